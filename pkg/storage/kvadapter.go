// Copyright 2025 Certen Protocol
//
// KV adapter for CometBFT database integration. Wraps CometBFT's dbm.DB
// interface to implement storage.KV, so the block log can run against any
// of CometBFT's pluggable backends (goleveldb, badgerdb, boltdb, memdb).

package storage

import (
	dbm "github.com/cometbft/cometbft-db"
)

// CometKV wraps a CometBFT dbm.DB and exposes the storage.KV interface.
type CometKV struct {
	db dbm.DB
}

// NewCometKV wraps db as a storage.KV.
func NewCometKV(db dbm.DB) *CometKV {
	return &CometKV{db: db}
}

// Get implements KV.Get.
func (a *CometKV) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set implements KV.Set. Writes go through SetSync so a block is durable
// before BlockLog.Put reports success.
func (a *CometKV) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}
