// Copyright 2025 Certen Protocol

package server

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/thesischain/keydirectory/pkg/chain"
	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/directory"
	"github.com/thesischain/keydirectory/pkg/metrics"
	"github.com/thesischain/keydirectory/pkg/types"
)

// StandaloneSink is the TransactionSink for a node running without a P2P
// layer: submitted transactions sit in a local mempool until /mine packages
// them into a block this node signs itself.
type StandaloneSink struct {
	mu         *sync.RWMutex
	chain      *chain.Chain
	signingKey ed25519.PrivateKey
	author     types.ChainId
	backendKey *types.ChainId

	pendingMu sync.Mutex
	pending   []types.SignedTransaction
}

// NewStandaloneSink builds a sink that mines its own blocks with signingKey.
// backendKey, when non-nil, requires every RegisterDevice submitted to this
// sink to carry a matching dual-authority attestation.
func NewStandaloneSink(mu *sync.RWMutex, c *chain.Chain, signingKey ed25519.PrivateKey, backendKey *types.ChainId) *StandaloneSink {
	var author types.ChainId
	copy(author[:], signingKey.Public().(ed25519.PublicKey))
	return &StandaloneSink{mu: mu, chain: c, signingKey: signingKey, author: author, backendKey: backendKey}
}

// SubmitTransaction verifies tx and adds it to the mempool.
func (s *StandaloneSink) SubmitTransaction(tx types.SignedTransaction) error {
	if err := chaincrypto.VerifyTransaction(tx); err != nil {
		return err
	}
	if s.backendKey != nil && tx.Payload.Kind == types.TxRegisterDevice {
		if err := directory.VerifyRegistrationAttestation(tx.Payload, *s.backendKey); err != nil {
			return err
		}
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, tx)
	metrics.MempoolSize.Set(float64(len(s.pending)))
	s.pendingMu.Unlock()
	return nil
}

// Mine assembles every pending transaction into a new block, signs it, and
// appends it to the chain. It is a no-op (not an error) if the mempool is
// empty, mirroring the production ticker's behavior.
func (s *StandaloneSink) Mine() error {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return nil
	}
	txs := s.pending
	s.pending = nil
	metrics.MempoolSize.Set(0)
	s.pendingMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.chain.Height()
	head, err := s.chain.HeadHash()
	if err != nil {
		s.requeue(txs)
		return err
	}

	block, err := chaincrypto.SignBlock(index, uint64(time.Now().Unix()), head, txs, s.signingKey)
	if err != nil {
		s.requeue(txs)
		return err
	}

	if err := s.chain.Append(block); err != nil {
		s.requeue(txs)
		return err
	}
	metrics.ChainHeight.Set(float64(s.chain.Height()))
	metrics.AuthorityCount.Set(float64(s.chain.State().AuthorityCount()))
	metrics.BlocksAppended.WithLabelValues("local").Inc()
	return nil
}

func (s *StandaloneSink) requeue(txs []types.SignedTransaction) {
	s.pendingMu.Lock()
	s.pending = append(txs, s.pending...)
	s.pendingMu.Unlock()
}
