// Copyright 2025 Certen Protocol
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/thesischain/keydirectory/pkg/chain"
	"github.com/thesischain/keydirectory/pkg/codec"
	"github.com/thesischain/keydirectory/pkg/config"
	"github.com/thesischain/keydirectory/pkg/metrics"
	"github.com/thesischain/keydirectory/pkg/p2p"
	"github.com/thesischain/keydirectory/pkg/server"
	"github.com/thesischain/keydirectory/pkg/storage"
	"github.com/thesischain/keydirectory/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "genesis":
		err = runGenesis(os.Args[2:])
	case "run":
		err = runNode(os.Args[2:])
	case "keygen":
		err = runKeygen(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keydirectory <genesis|keygen|run> [flags]")
}

// runKeygen writes a fresh Ed25519 keypair to the given path (private key,
// hex-encoded) and prints the public key.
func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "", "path to write the hex-encoded private key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("keygen: -out is required")
	}

	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keygen: generate key: %w", err)
	}
	if err := writeHexKeyFile(*out, sk); err != nil {
		return err
	}

	fmt.Printf("public key: %s\n", hex.EncodeToString(sk.Public().(ed25519.PublicKey)))
	return nil
}

// runGenesis builds a genesis block with one bootstrap device and writes the
// bootstrap key and the canonical-encoded genesis block to disk.
func runGenesis(args []string) error {
	fs := flag.NewFlagSet("genesis", flag.ExitOnError)
	keyOut := fs.String("key-out", "bootstrap.key", "path to write the bootstrap device's hex-encoded private key")
	blockOut := fs.String("block-out", "genesis.block", "path to write the hex-encoded genesis block")
	userID := fs.String("user-id", "", "UUID for the bootstrap user (generated if empty)")
	deviceID := fs.String("device-id", "", "UUID for the bootstrap device (generated if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := parseOrNewUUID(*userID)
	if err != nil {
		return fmt.Errorf("genesis: -user-id: %w", err)
	}
	device, err := parseOrNewUUID(*deviceID)
	if err != nil {
		return fmt.Errorf("genesis: -device-id: %w", err)
	}

	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("genesis: generate bootstrap key: %w", err)
	}
	if err := writeHexKeyFile(*keyOut, sk); err != nil {
		return err
	}

	var x25519 types.ChainId
	copy(x25519[:], sk.Public().(ed25519.PublicKey))

	block, err := chain.CreateGenesis(sk, uint64(time.Now().Unix()), []chain.GenesisDevice{
		{UserID: user, DeviceID: device, SigningKey: sk, X25519: x25519},
	}, nil)
	if err != nil {
		return fmt.Errorf("genesis: create genesis block: %w", err)
	}

	encoded, err := codec.Encode(block)
	if err != nil {
		return fmt.Errorf("genesis: encode genesis block: %w", err)
	}
	if err := os.WriteFile(*blockOut, []byte(hex.EncodeToString(encoded)), 0o600); err != nil {
		return fmt.Errorf("genesis: write genesis block: %w", err)
	}

	fmt.Printf("bootstrap device registered: user=%s device=%s\n", user, device)
	fmt.Printf("bootstrap key written to %s\n", *keyOut)
	fmt.Printf("genesis block written to %s\n", *blockOut)
	return nil
}

func parseOrNewUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

func writeHexKeyFile(path string, sk ed25519.PrivateKey) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(sk)), 0o600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

func readHexKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

// readHexBackendKey reads the backend's hex-encoded Ed25519 public key: the
// key a RegisterDevice transaction's IdentityAttestation must be signed
// with for this node to admit it.
func readHexBackendKey(path string) (*types.ChainId, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend key file %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode backend key file %s: %w", path, err)
	}
	if len(decoded) != len(types.ChainId{}) {
		return nil, fmt.Errorf("backend key file %s: expected %d bytes, got %d", path, len(types.ChainId{}), len(decoded))
	}
	var id types.ChainId
	copy(id[:], decoded)
	return &id, nil
}

func readHexBlockFile(path string) (types.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Block{}, fmt.Errorf("read block file %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return types.Block{}, fmt.Errorf("decode block file %s: %w", path, err)
	}
	var block types.Block
	if err := codec.Decode(decoded, &block); err != nil {
		return types.Block{}, fmt.Errorf("decode block file %s: %w", path, err)
	}
	return block, nil
}

// runNode boots a node: restores the chain from its block log (or a genesis
// file, on first start), then serves HTTP and, unless -standalone is set,
// joins the P2P gossip network.
func runNode(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	keyPath := fs.String("key", "", "path to this node's hex-encoded Ed25519 signing key")
	genesisPath := fs.String("genesis", "", "path to the hex-encoded genesis block (used only if no block log exists yet)")
	dataDir := fs.String("data-dir", "", "override DATA_DIR")
	listenAddr := fs.String("listen", "", "override API_HOST:API_PORT")
	p2pListenAddr := fs.String("p2p-listen", "", "libp2p listen multiaddr; overrides P2P_LISTEN_ADDR")
	standalone := fs.Bool("standalone", false, "disable the P2P layer and mine blocks locally via POST /mine")
	nodeConfigPath := fs.String("node-config", "", "path to a YAML node config (gossip topics, bootstrap peers, genesis devices)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var nodeCfg *config.NodeConfig
	if *nodeConfigPath != "" {
		loaded, err := config.LoadNodeConfig(*nodeConfigPath)
		if err != nil {
			return fmt.Errorf("run: load node config: %w", err)
		}
		nodeCfg = loaded
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *p2pListenAddr != "" {
		cfg.P2PListenAddr = *p2pListenAddr
	}
	if *standalone {
		cfg.P2PListenAddr = ""
	}
	if *keyPath != "" {
		cfg.Ed25519KeyPath = *keyPath
	}
	if nodeCfg != nil {
		if !*standalone && *p2pListenAddr == "" && nodeCfg.Node.ListenAddr != "" {
			cfg.P2PListenAddr = nodeCfg.Node.ListenAddr
		}
		if *dataDir == "" && nodeCfg.Storage.BlockLogDir != "" {
			cfg.DataDir = nodeCfg.Storage.BlockLogDir
		}
		if cfg.DatabaseURL == "" && nodeCfg.Storage.DatabaseURL != "" {
			cfg.DatabaseURL = nodeCfg.Storage.DatabaseURL
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	signingKey, err := readHexKeyFile(cfg.Ed25519KeyPath)
	if err != nil {
		return err
	}

	var backendKey *types.ChainId
	if cfg.BackendKeyPath != "" {
		backendKey, err = readHexBackendKey(cfg.BackendKeyPath)
		if err != nil {
			return err
		}
		log.Println("🔐 dual-authority attestation enforced: BACKEND_KEY_PATH set")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("run: create data dir: %w", err)
	}

	db, err := dbm.NewDB("blocks", dbm.GoLevelDBBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("run: open block log: %w", err)
	}
	blockLog := storage.NewBlockLog(storage.NewCometKV(db))

	var genesis *types.Block
	switch {
	case *genesisPath != "":
		g, err := readHexBlockFile(*genesisPath)
		if err != nil {
			return err
		}
		genesis = &g
	case nodeCfg != nil && nodeCfg.Genesis.BootstrapKeyPath != "":
		g, err := buildGenesisFromNodeConfig(nodeCfg.Genesis)
		if err != nil {
			return fmt.Errorf("run: build genesis from node config: %w", err)
		}
		genesis = &g
	}

	c, err := restoreOrBootstrapChain(blockLog, genesis, backendKey)
	if err != nil {
		return err
	}

	var mirror *storage.DirectoryMirror
	if cfg.DatabaseURL != "" {
		mirror, err = storage.NewDirectoryMirror(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("run: open directory mirror: %w", err)
		}
		defer mirror.Close()
		if err := mirror.SyncAll(context.Background(), c.State()); err != nil {
			return fmt.Errorf("run: backfill directory mirror: %w", err)
		}
		log.Println("🪞 postgres directory mirror enabled")
	}

	var mu sync.RWMutex
	metrics.ChainHeight.Set(float64(c.Height()))
	metrics.AuthorityCount.Set(float64(c.State().AuthorityCount()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink server.TransactionSink
	var node *p2p.Node

	if cfg.P2PListenAddr != "" {
		p2pCfg := p2p.Config{
			ListenAddr:    cfg.P2PListenAddr,
			BlockInterval: cfg.BlockInterval,
			SigningKey:    signingKey,
			BackendKey:    backendKey,
		}
		if nodeCfg != nil {
			p2pCfg.BlocksTopic = nodeCfg.Gossip.BlocksTopic
			p2pCfg.TxPoolTopic = nodeCfg.Gossip.TxPoolTopic
			p2pCfg.MDNSRendezvous = nodeCfg.Gossip.MDNSRendezvous
			if nodeCfg.Gossip.BlockInterval != 0 {
				p2pCfg.BlockInterval = nodeCfg.Gossip.BlockInterval.Duration()
			}
		}

		node, err = p2p.NewNode(ctx, c, &mu, p2pCfg)
		if err != nil {
			return fmt.Errorf("run: start p2p node: %w", err)
		}
		log.Printf("🔗 p2p node listening, peer id=%s addrs=%v", node.PeerID(), node.Addrs())
		sink = node
		go node.Run(ctx)

		bootstrapPeers := collectBootstrapPeers(cfg.BootstrapPeer, nodeCfg)
		for _, peerAddr := range bootstrapPeers {
			addr, err := ma.NewMultiaddr(peerAddr)
			if err != nil {
				log.Printf("run: invalid bootstrap peer %q: %v", peerAddr, err)
				continue
			}
			if err := node.Dial(ctx, addr); err != nil {
				log.Printf("run: dial bootstrap peer %q: %v", peerAddr, err)
				continue
			}
			log.Printf("🤝 dialed bootstrap peer %s", peerAddr)
		}
	} else {
		log.Println("📡 standalone mode: P2P disabled, blocks mined on demand via /mine")
		sink = server.NewStandaloneSink(&mu, c, signingKey, backendKey)
	}

	handlers := server.NewHandlers(&mu, c, sink)
	if standalone, ok := sink.(*server.StandaloneSink); ok {
		handlers.Miner = standalone.Mine
	}

	go persistAppendedBlocks(ctx, &mu, c, blockLog, mirror)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Mux(),
	}

	go func() {
		log.Printf("✅ http server listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if node != nil {
		if err := node.Close(); err != nil {
			log.Printf("p2p node close error: %v", err)
		}
	}
	return nil
}

// restoreOrBootstrapChain loads every block persisted in the log and
// replays them into a fresh chain.Chain. If the log is empty, it bootstraps
// from genesis instead — this is the only path a node takes exactly once,
// on its very first start.
func restoreOrBootstrapChain(blockLog *storage.BlockLog, genesis *types.Block, backendKey *types.ChainId) (*chain.Chain, error) {
	blocks, err := blockLog.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("run: load block log: %w", err)
	}

	if len(blocks) == 0 {
		if genesis == nil {
			return nil, fmt.Errorf("run: no existing block log and no genesis provided (-genesis or a node config genesis section)")
		}
		c, err := chain.New(*genesis, backendKey)
		if err != nil {
			return nil, fmt.Errorf("run: validate genesis block: %w", err)
		}
		if err := blockLog.Put(*genesis); err != nil {
			return nil, fmt.Errorf("run: persist genesis block: %w", err)
		}
		return c, nil
	}

	// Replay with no backend key: history was already accepted under
	// whatever attestation rule was in force at the time, and a node that
	// only just set BACKEND_KEY_PATH must not retroactively fail to start
	// over blocks it already has. backendKey takes effect for blocks
	// appended from here on.
	c, err := chain.New(blocks[0], nil)
	if err != nil {
		return nil, fmt.Errorf("run: replay genesis block: %w", err)
	}
	for _, block := range blocks[1:] {
		if err := c.Append(block); err != nil {
			return nil, fmt.Errorf("run: replay block %d: %w", block.Header.Index, err)
		}
	}
	c.SetBackendKey(backendKey)
	return c, nil
}

// buildGenesisFromNodeConfig assembles a genesis block from a node config's
// genesis section: a bootstrap authority key plus zero or more initial
// devices, each keyed by its own file.
func buildGenesisFromNodeConfig(gs config.GenesisSettings) (types.Block, error) {
	bootstrapKey, err := readHexKeyFile(gs.BootstrapKeyPath)
	if err != nil {
		return types.Block{}, err
	}

	devices := make([]chain.GenesisDevice, 0, len(gs.Devices))
	for _, entry := range gs.Devices {
		userID, err := uuid.Parse(entry.UserID)
		if err != nil {
			return types.Block{}, fmt.Errorf("node config: genesis device user_id %q: %w", entry.UserID, err)
		}
		deviceID, err := uuid.Parse(entry.DeviceID)
		if err != nil {
			return types.Block{}, fmt.Errorf("node config: genesis device device_id %q: %w", entry.DeviceID, err)
		}
		deviceKey, err := readHexKeyFile(entry.KeyPath)
		if err != nil {
			return types.Block{}, err
		}
		var x25519 types.ChainId
		copy(x25519[:], deviceKey.Public().(ed25519.PublicKey))
		devices = append(devices, chain.GenesisDevice{
			UserID:     userID,
			DeviceID:   deviceID,
			SigningKey: deviceKey,
			X25519:     x25519,
		})
	}

	return chain.CreateGenesis(bootstrapKey, uint64(time.Now().Unix()), devices, nil)
}

// collectBootstrapPeers merges the flat-config bootstrap peer (if any) with
// the richer list a node config can carry, in that order.
func collectBootstrapPeers(flat string, nodeCfg *config.NodeConfig) []string {
	var peers []string
	if flat != "" {
		peers = append(peers, flat)
	}
	if nodeCfg != nil {
		peers = append(peers, nodeCfg.Node.BootstrapPeers...)
	}
	return peers
}

// persistAppendedBlocks polls the chain for new blocks and writes them to
// the log. Polling (rather than a callback from Chain.Append) keeps
// chain.Chain free of any storage dependency.
func persistAppendedBlocks(ctx context.Context, mu *sync.RWMutex, c *chain.Chain, blockLog *storage.BlockLog, mirror *storage.DirectoryMirror) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	persisted, err := blockLog.Height()
	if err != nil {
		log.Printf("persist: read block log height: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.RLock()
			height := c.Height()
			var pending []types.Block
			for i := persisted; i < height; i++ {
				block, ok := c.GetBlock(i)
				if !ok {
					break
				}
				pending = append(pending, block)
			}
			state := c.State()
			mu.RUnlock()

			var touched []uuid.UUID
			for _, block := range pending {
				if err := blockLog.Put(block); err != nil {
					log.Printf("persist: write block %d: %v", block.Header.Index, err)
					continue
				}
				persisted = block.Header.Index + 1
				for _, tx := range block.Transactions {
					touched = append(touched, tx.Payload.DeviceID)
				}
			}

			if len(touched) > 0 && mirror != nil {
				if err := mirror.Sync(ctx, state, touched); err != nil {
					log.Printf("persist: sync directory mirror: %v", err)
				}
			}
		}
	}
}
