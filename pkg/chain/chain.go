// Copyright 2025 Certen Protocol
//
// Package chain is the blockchain engine: an ordered, append-only sequence
// of validated blocks plus the derived key-directory state they fold into.
// The engine itself does no locking or I/O — callers that share a Chain
// across goroutines (see pkg/p2p and pkg/server) wrap it in a
// sync.RWMutex, taking the write lock only for the append.
package chain

import (
	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/chainerr"
	"github.com/thesischain/keydirectory/pkg/directory"
	"github.com/thesischain/keydirectory/pkg/types"
)

// Chain is the ordered list of validated blocks and the key directory
// derived from them.
type Chain struct {
	blocks []types.Block
	state  *directory.KeyDirectory

	// backendKey, when set, requires RegisterDevice transactions to carry a
	// valid identity attestation signed by this key. Nil skips the check —
	// intended for unit tests and standalone deployments with no backend.
	backendKey *types.ChainId
}

// New builds a chain from a genesis block.
//
// Genesis (index 0) is special: previous_hash must be all zero, the author
// is not checked against the authority set (there is none yet), and its
// transactions apply without the backend-attestation check — genesis is a
// trusted bootstrap, not an adversarial input.
func New(genesis types.Block, backendKey *types.ChainId) (*Chain, error) {
	if genesis.Header.Index != 0 {
		return nil, chainerr.NewInvalidBlockIndex(0, genesis.Header.Index)
	}
	if genesis.Header.PreviousHash != ([32]byte{}) {
		return nil, chainerr.NewInvalidPreviousHash()
	}

	if err := chaincrypto.VerifyBlock(&genesis); err != nil {
		return nil, err
	}
	for _, tx := range genesis.Transactions {
		if err := chaincrypto.VerifyTransaction(tx); err != nil {
			return nil, err
		}
	}

	state := directory.New()
	for _, tx := range genesis.Transactions {
		if err := state.ApplyTransaction(tx, 0, nil); err != nil {
			return nil, err
		}
	}

	return &Chain{
		blocks:     []types.Block{genesis},
		state:      state,
		backendKey: backendKey,
	}, nil
}

// SetBackendKey changes the key future Append calls enforce RegisterDevice
// attestations against. It does not touch already-applied state, so it is
// safe to call after replaying a chain's existing history: historical
// blocks keep whatever rule they were accepted under, and only blocks
// appended from this point on are held to the new key.
func (c *Chain) SetBackendKey(key *types.ChainId) {
	c.backendKey = key
}

// Append validates a candidate block and, if it passes, folds its
// transactions into the directory and stores it. Append is all-or-nothing:
// if any transaction is rejected, neither the block nor any of its
// transactions are applied.
func (c *Chain) Append(block types.Block) error {
	if err := c.ValidateBlock(&block); err != nil {
		return err
	}

	// ApplyTransaction mutates a KeyDirectory in place and KeyDirectory has
	// no transactional rollback, so the block's transactions are applied to
	// a clone; the live state is replaced only if every one of them applies.
	trial := c.state.Clone()
	for _, tx := range block.Transactions {
		if err := trial.ApplyTransaction(tx, block.Header.Index, c.backendKey); err != nil {
			return err
		}
	}

	c.state = trial
	c.blocks = append(c.blocks, block)
	return nil
}

// ValidateBlock checks a candidate block against the current chain tip
// without appending it: index contiguity, previous-hash linkage, timestamp
// monotonicity, author authority, block signature and transactions hash, and
// every transaction signature.
func (c *Chain) ValidateBlock(block *types.Block) error {
	expectedIndex := c.Height()
	if block.Header.Index != expectedIndex {
		return chainerr.NewInvalidBlockIndex(expectedIndex, block.Header.Index)
	}

	last := c.blocks[len(c.blocks)-1]
	expectedHash, err := chaincrypto.HashBlock(&last)
	if err != nil {
		return err
	}
	if block.Header.PreviousHash != expectedHash {
		return chainerr.NewInvalidPreviousHash()
	}

	if block.Header.Timestamp < last.Header.Timestamp {
		return chainerr.NewInvalidTimestamp()
	}

	if !c.state.IsAuthority(block.Header.Author) {
		return chainerr.NewUnauthorizedAuthor()
	}

	if err := chaincrypto.VerifyBlock(block); err != nil {
		return err
	}

	for _, tx := range block.Transactions {
		if err := chaincrypto.VerifyTransaction(tx); err != nil {
			return err
		}
	}

	return nil
}

// Height is the number of blocks in the chain — equivalently, the index the
// next appended block must carry.
func (c *Chain) Height() uint64 {
	return uint64(len(c.blocks))
}

// HeadHash is the SHA-256 hash of the current tip block.
func (c *Chain) HeadHash() ([32]byte, error) {
	last := c.blocks[len(c.blocks)-1]
	return chaincrypto.HashBlock(&last)
}

// State returns the derived key-directory view.
func (c *Chain) State() *directory.KeyDirectory {
	return c.state
}

// GetBlock returns the block at index, if any.
func (c *Chain) GetBlock(index uint64) (types.Block, bool) {
	if index >= uint64(len(c.blocks)) {
		return types.Block{}, false
	}
	return c.blocks[index], true
}

// BlocksFrom returns a contiguous suffix of the chain starting at fromIndex,
// used to answer peer sync requests. Returns nil if fromIndex is beyond the
// tip.
func (c *Chain) BlocksFrom(fromIndex uint64) []types.Block {
	if fromIndex >= uint64(len(c.blocks)) {
		return nil
	}
	out := make([]types.Block, len(c.blocks)-int(fromIndex))
	copy(out, c.blocks[fromIndex:])
	return out
}
