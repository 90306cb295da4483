// Copyright 2025 Certen Protocol
//
// Package storage persists the append-only block log and, optionally,
// mirrors the derived key directory into Postgres for ad-hoc queries.
// Neither store is load-bearing for chain validation: the in-memory
// chain.Chain remains the source of truth, and both stores are rebuilt by
// replay if they are ever wiped.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/thesischain/keydirectory/pkg/codec"
	"github.com/thesischain/keydirectory/pkg/types"
)

// KV is the minimal key-value interface the block log is built on, matched
// by both the in-memory store and the CometBFT-backed adapter below.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var blockKeyPrefix = []byte("block:")

func blockKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(append([]byte(nil), blockKeyPrefix...), b...)
}

var heightKey = []byte("height")

// BlockLog persists blocks keyed by index, in the order the chain engine
// appends them, so a node can restore its chain state after a restart
// without needing any peer to replay it over gossip.
type BlockLog struct {
	kv KV
}

// NewBlockLog wraps a KV store as a BlockLog.
func NewBlockLog(kv KV) *BlockLog {
	return &BlockLog{kv: kv}
}

// Put persists a block at its header index and advances the stored height
// if this block extends the log.
func (l *BlockLog) Put(block types.Block) error {
	encoded, err := codec.Encode(block)
	if err != nil {
		return fmt.Errorf("storage: encode block %d: %w", block.Header.Index, err)
	}
	if err := l.kv.Set(blockKey(block.Header.Index), encoded); err != nil {
		return fmt.Errorf("storage: put block %d: %w", block.Header.Index, err)
	}

	height, err := l.Height()
	if err != nil {
		return err
	}
	if block.Header.Index+1 > height {
		hb := make([]byte, 8)
		binary.BigEndian.PutUint64(hb, block.Header.Index+1)
		if err := l.kv.Set(heightKey, hb); err != nil {
			return fmt.Errorf("storage: advance height: %w", err)
		}
	}
	return nil
}

// Get returns the block at index, if present.
func (l *BlockLog) Get(index uint64) (types.Block, bool, error) {
	raw, err := l.kv.Get(blockKey(index))
	if err != nil {
		return types.Block{}, false, fmt.Errorf("storage: get block %d: %w", index, err)
	}
	if raw == nil {
		return types.Block{}, false, nil
	}
	var block types.Block
	if err := codec.Decode(raw, &block); err != nil {
		return types.Block{}, false, fmt.Errorf("storage: decode block %d: %w", index, err)
	}
	return block, true, nil
}

// Height returns the number of blocks persisted so far.
func (l *BlockLog) Height() (uint64, error) {
	raw, err := l.kv.Get(heightKey)
	if err != nil {
		return 0, fmt.Errorf("storage: get height: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// LoadAll replays every persisted block in order, for restoring a
// chain.Chain at startup.
func (l *BlockLog) LoadAll() ([]types.Block, error) {
	height, err := l.Height()
	if err != nil {
		return nil, err
	}
	blocks := make([]types.Block, 0, height)
	for i := uint64(0); i < height; i++ {
		block, ok, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("storage: block %d missing from log below recorded height %d", i, height)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
