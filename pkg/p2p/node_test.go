// Copyright 2025 Certen Protocol

package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thesischain/keydirectory/pkg/chain"
	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/types"
)

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return sk
}

func chainID(sk ed25519.PrivateKey) types.ChainId {
	var id types.ChainId
	copy(id[:], sk.Public().(ed25519.PublicKey))
	return id
}

func singleDeviceGenesis(t *testing.T, bootstrap ed25519.PrivateKey) types.Block {
	t.Helper()
	pub := chainID(bootstrap)
	block, err := chain.CreateGenesis(bootstrap, 1000, []chain.GenesisDevice{
		{UserID: uuid.New(), DeviceID: uuid.New(), SigningKey: bootstrap, X25519: pub},
	}, nil)
	if err != nil {
		t.Fatalf("create genesis: %v", err)
	}
	return block
}

// TestNodeProducesBlockFromSubmittedTransaction exercises the production
// ticker end to end on a single node that is its own sole authority:
// submitting a transaction should, within a few ticks, result in a new
// block appended to the chain and the mempool drained.
func TestNodeProducesBlockFromSubmittedTransaction(t *testing.T) {
	bootstrap := genKey(t)
	genesis := singleDeviceGenesis(t, bootstrap)

	c, err := chain.New(genesis, nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.RWMutex
	node, err := NewNode(ctx, c, &mu, Config{
		ListenAddr:    "/ip4/127.0.0.1/tcp/0",
		BlockInterval: 50 * time.Millisecond,
		SigningKey:    bootstrap,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer node.Close()

	go node.Run(ctx)

	newEd := genKey(t)
	newX := chainID(genKey(t))
	payload := types.UpdateDeviceKeys(genesisDeviceID(t, c), chainID(newEd), newX)
	// nonce 1: nonce 0 was already consumed by the genesis RegisterDevice.
	signed, err := chaincrypto.SignTransaction(payload, 1, bootstrap)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}

	if err := node.SubmitTransaction(signed); err != nil {
		t.Fatalf("submit transaction: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.RLock()
		height := c.Height()
		mu.RUnlock()
		if height == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for submitted transaction to be mined, height=%d", c.Height())
}

// TestNodeRejectsUnattestedRegistration checks that a node configured with a
// backend key refuses a RegisterDevice submission that carries no matching
// attestation, instead of silently queuing it for a mempool it can never
// clear through block production.
func TestNodeRejectsUnattestedRegistration(t *testing.T) {
	bootstrap := genKey(t)
	genesis := singleDeviceGenesis(t, bootstrap)
	backendSK := genKey(t)
	backendKey := chainID(backendSK)

	c, err := chain.New(genesis, &backendKey)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.RWMutex
	node, err := NewNode(ctx, c, &mu, Config{
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		SigningKey: bootstrap,
		BackendKey: &backendKey,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer node.Close()

	deviceSK := genKey(t)
	deviceKey := chainID(deviceSK)
	payload := types.RegisterDevice(uuid.New(), uuid.New(), deviceKey, deviceKey, types.IdentityAttestation{})
	signed, err := chaincrypto.SignTransaction(payload, 0, deviceSK)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}

	if err := node.SubmitTransaction(signed); err == nil {
		t.Fatalf("expected unattested registration to be rejected")
	}
}

func genesisDeviceID(t *testing.T, c *chain.Chain) uuid.UUID {
	t.Helper()
	block, ok := c.GetBlock(0)
	if !ok || len(block.Transactions) == 0 {
		t.Fatalf("genesis block missing its registration transaction")
	}
	return block.Transactions[0].Payload.DeviceID
}

// TestNodeDialConnectsToPeer checks that two independently constructed
// nodes can be connected over loopback via Dial.
func TestNodeDialConnectsToPeer(t *testing.T) {
	bootstrap := genKey(t)
	genesis := singleDeviceGenesis(t, bootstrap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu1, mu2 sync.RWMutex
	c1, err := chain.New(genesis, nil)
	if err != nil {
		t.Fatalf("new chain 1: %v", err)
	}
	c2, err := chain.New(genesis, nil)
	if err != nil {
		t.Fatalf("new chain 2: %v", err)
	}

	n1, err := NewNode(ctx, c1, &mu1, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new node 1: %v", err)
	}
	defer n1.Close()

	n2, err := NewNode(ctx, c2, &mu2, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new node 2: %v", err)
	}
	defer n2.Close()

	addrs := n2.Addrs()
	if len(addrs) == 0 {
		t.Fatalf("node 2 has no listen addresses")
	}
	peerAddr, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s", addrs[0].String(), n2.PeerID().String()))
	if err != nil {
		t.Fatalf("build peer multiaddr: %v", err)
	}

	if err := n1.Dial(ctx, peerAddr); err != nil {
		t.Fatalf("dial: %v", err)
	}
}
