// Copyright 2025 Certen Protocol
//
// Package p2p replicates chain state between nodes over libp2p gossipsub,
// with mDNS for peer discovery on a local network. Two topics carry all
// traffic: one for finalized blocks, one for the transaction mempool. A
// single goroutine owns the gossip event loop and the block-production
// ticker; the shared chain.Chain is protected by an RWMutex so HTTP
// handlers (pkg/server) can read it concurrently.
package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thesischain/keydirectory/pkg/chain"
	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/codec"
	"github.com/thesischain/keydirectory/pkg/directory"
	"github.com/thesischain/keydirectory/pkg/metrics"
	"github.com/thesischain/keydirectory/pkg/types"
)

const (
	// DefaultBlocksTopic carries finalized blocks.
	DefaultBlocksTopic = "thesischain/blocks/1.0.0"
	// DefaultTxPoolTopic carries pending signed transactions.
	DefaultTxPoolTopic = "thesischain/txpool/1.0.0"
	// DefaultMDNSRendezvous is the local-network discovery tag peers use to
	// find each other.
	DefaultMDNSRendezvous = "thesischain-mdns"
)

// Node is a gossiping participant in the chain's P2P network.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub

	blocksTopic *pubsub.Topic
	txTopic     *pubsub.Topic
	blocksSub   *pubsub.Subscription
	txSub       *pubsub.Subscription

	mu    *sync.RWMutex
	chain *chain.Chain

	signingKey ed25519.PrivateKey
	author     types.ChainId
	backendKey *types.ChainId

	pendingMu sync.Mutex
	pending   []types.SignedTransaction

	submitCh chan types.SignedTransaction

	blockInterval time.Duration
	logger        *log.Logger
}

// Config carries the settings a Node needs beyond the chain it replicates.
type Config struct {
	ListenAddr     string
	BlocksTopic    string
	TxPoolTopic    string
	MDNSRendezvous string
	BlockInterval  time.Duration
	SigningKey     ed25519.PrivateKey
	BackendKey     *types.ChainId
	Logger         *log.Logger
}

func (c Config) withDefaults() Config {
	if c.BlocksTopic == "" {
		c.BlocksTopic = DefaultBlocksTopic
	}
	if c.TxPoolTopic == "" {
		c.TxPoolTopic = DefaultTxPoolTopic
	}
	if c.MDNSRendezvous == "" {
		c.MDNSRendezvous = DefaultMDNSRendezvous
	}
	if c.BlockInterval == 0 {
		c.BlockInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// NewNode constructs a Node bound to chain c (guarded by mu) and starts
// listening, but does not yet run the event loop — call Run for that.
func NewNode(ctx context.Context, c *chain.Chain, mu *sync.RWMutex, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	blocksTopic, err := ps.Join(cfg.BlocksTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: join blocks topic: %w", err)
	}
	txTopic, err := ps.Join(cfg.TxPoolTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: join txpool topic: %w", err)
	}

	blocksSub, err := blocksTopic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: subscribe blocks topic: %w", err)
	}
	txSub, err := txTopic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: subscribe txpool topic: %w", err)
	}

	var author types.ChainId
	if cfg.SigningKey != nil {
		copy(author[:], cfg.SigningKey.Public().(ed25519.PublicKey))
	}

	n := &Node{
		host:          h,
		ps:            ps,
		blocksTopic:   blocksTopic,
		txTopic:       txTopic,
		blocksSub:     blocksSub,
		txSub:         txSub,
		mu:            mu,
		chain:         c,
		signingKey:    cfg.SigningKey,
		author:        author,
		backendKey:    cfg.BackendKey,
		submitCh:      make(chan types.SignedTransaction, 256),
		blockInterval: cfg.BlockInterval,
		logger:        cfg.Logger,
	}

	mdnsService := mdns.NewMdnsService(h, cfg.MDNSRendezvous, &mdnsNotifee{host: h, logger: cfg.Logger})
	if err := mdnsService.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: start mdns: %w", err)
	}

	return n, nil
}

// mdnsNotifee connects every peer mDNS discovers to the host so gossipsub
// can route traffic to them.
type mdnsNotifee struct {
	host   host.Host
	logger *log.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), pi); err != nil {
		n.logger.Printf("p2p: failed to connect to mdns peer %s: %v", pi.ID, err)
		return
	}
	n.logger.Printf("p2p: connected to peer %s via mdns", pi.ID)
}

// PeerID returns this node's libp2p peer identity.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Addrs returns the multiaddrs this node is listening on.
func (n *Node) Addrs() []ma.Multiaddr {
	return n.host.Addrs()
}

// Dial connects to a peer at addr.
func (n *Node) Dial(ctx context.Context, addr ma.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: parse peer addr: %w", err)
	}
	return n.host.Connect(ctx, *info)
}

// SubmitTransaction queues tx for local inclusion and gossip. It is safe to
// call from another goroutine (e.g. an HTTP handler); the actual mempool
// mutation and publish happen on the node's own event-loop goroutine.
func (n *Node) SubmitTransaction(tx types.SignedTransaction) error {
	if err := chaincrypto.VerifyTransaction(tx); err != nil {
		return err
	}
	if err := n.verifyAttestation(tx); err != nil {
		return err
	}
	n.submitCh <- tx
	return nil
}

// verifyAttestation enforces the dual-authority rule on a RegisterDevice
// transaction before it is admitted to the mempool, so a transaction that
// can never pass block-formation doesn't sit there getting requeued by
// every failed production tick.
func (n *Node) verifyAttestation(tx types.SignedTransaction) error {
	if n.backendKey == nil || tx.Payload.Kind != types.TxRegisterDevice {
		return nil
	}
	return directory.VerifyRegistrationAttestation(tx.Payload, *n.backendKey)
}

// Run drives the gossip event loop and the block-production ticker until
// ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.blockInterval)
	defer ticker.Stop()

	blockMsgs := n.readLoop(ctx, n.blocksSub)
	txMsgs := n.readLoop(ctx, n.txSub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tryProduceBlock(ctx)
		case msg := <-blockMsgs:
			n.handleBlockMessage(msg)
		case msg := <-txMsgs:
			n.handleTxMessage(msg)
		case tx := <-n.submitCh:
			n.acceptLocalTransaction(ctx, tx)
		}
	}
}

func (n *Node) readLoop(ctx context.Context, sub *pubsub.Subscription) <-chan []byte {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *Node) acceptLocalTransaction(ctx context.Context, tx types.SignedTransaction) {
	n.pendingMu.Lock()
	n.pending = append(n.pending, tx)
	metrics.MempoolSize.Set(float64(len(n.pending)))
	n.pendingMu.Unlock()

	encoded, err := codec.Encode(tx)
	if err != nil {
		n.logger.Printf("p2p: failed to encode local transaction: %v", err)
		return
	}
	if err := n.txTopic.Publish(ctx, encoded); err != nil {
		n.logger.Printf("p2p: failed to publish local transaction: %v", err)
	}
}

func (n *Node) handleBlockMessage(data []byte) {
	var block types.Block
	if err := codec.Decode(data, &block); err != nil {
		n.logger.Printf("p2p: failed to decode block from peer: %v", err)
		return
	}

	n.mu.Lock()
	err := n.chain.Append(block)
	height := n.chain.Height()
	state := n.chain.State()
	n.mu.Unlock()

	if err != nil {
		n.logger.Printf("p2p: rejected block from peer: %v", err)
		return
	}
	n.logger.Printf("p2p: appended block from peer, height=%d", height)
	metrics.ChainHeight.Set(float64(height))
	metrics.AuthorityCount.Set(float64(state.AuthorityCount()))
	metrics.BlocksAppended.WithLabelValues("peer").Inc()

	n.pendingMu.Lock()
	kept := n.pending[:0]
	for _, tx := range n.pending {
		if state.VerifyNonce(tx.Signer, tx.Nonce) == nil {
			kept = append(kept, tx)
		}
	}
	n.pending = kept
	metrics.MempoolSize.Set(float64(len(n.pending)))
	n.pendingMu.Unlock()
}

func (n *Node) handleTxMessage(data []byte) {
	var tx types.SignedTransaction
	if err := codec.Decode(data, &tx); err != nil {
		n.logger.Printf("p2p: failed to decode transaction from peer: %v", err)
		return
	}
	if err := chaincrypto.VerifyTransaction(tx); err != nil {
		n.logger.Printf("p2p: discarded transaction from peer: %v", err)
		return
	}
	if err := n.verifyAttestation(tx); err != nil {
		n.logger.Printf("p2p: discarded transaction from peer: %v", err)
		return
	}
	n.pendingMu.Lock()
	n.pending = append(n.pending, tx)
	n.pendingMu.Unlock()
}

func (n *Node) tryProduceBlock(ctx context.Context) {
	n.pendingMu.Lock()
	if len(n.pending) == 0 {
		n.pendingMu.Unlock()
		return
	}
	txs := n.pending
	n.pending = nil
	n.pendingMu.Unlock()

	n.mu.RLock()
	isAuthority := n.chain.State().IsAuthority(n.author)
	index := n.chain.Height()
	head, err := n.chain.HeadHash()
	n.mu.RUnlock()

	if !isAuthority {
		n.requeue(txs)
		return
	}
	if err != nil {
		n.logger.Printf("p2p: failed to compute tip hash: %v", err)
		n.requeue(txs)
		return
	}

	timestamp := uint64(time.Now().Unix())
	block, err := chaincrypto.SignBlock(index, timestamp, head, txs, n.signingKey)
	if err != nil {
		n.logger.Printf("p2p: failed to sign block: %v", err)
		n.requeue(txs)
		return
	}

	encoded, err := codec.Encode(block)
	if err != nil {
		n.logger.Printf("p2p: failed to encode block: %v", err)
		n.requeue(txs)
		return
	}
	if err := n.blocksTopic.Publish(ctx, encoded); err != nil {
		n.logger.Printf("p2p: failed to publish block: %v", err)
	}

	n.mu.Lock()
	err = n.chain.Append(block)
	height := n.chain.Height()
	n.mu.Unlock()

	if err != nil {
		n.logger.Printf("p2p: failed to append own block: %v", err)
		n.requeue(txs)
		return
	}
	n.logger.Printf("p2p: produced and appended block, height=%d", height)
	metrics.ChainHeight.Set(float64(height))
	metrics.MempoolSize.Set(0)
	metrics.BlocksAppended.WithLabelValues("self").Inc()
}

func (n *Node) requeue(txs []types.SignedTransaction) {
	n.pendingMu.Lock()
	n.pending = append(txs, n.pending...)
	n.pendingMu.Unlock()
}

// Close shuts down the libp2p host.
func (n *Node) Close() error {
	return n.host.Close()
}
