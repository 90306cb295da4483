package storage

import (
	"crypto/ed25519"
	"testing"

	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/types"
)

func signTestBlock(t *testing.T, index uint64) types.Block {
	t.Helper()
	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := chaincrypto.SignBlock(index, 1000+index, [32]byte{}, nil, sk)
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return block
}

func TestBlockLogPutGet(t *testing.T) {
	log := NewBlockLog(NewMemKV())

	b0 := signTestBlock(t, 0)
	if err := log.Put(b0); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := log.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected block 0 to be present")
	}
	if got.Header.Timestamp != b0.Header.Timestamp {
		t.Fatal("round-tripped block does not match original")
	}

	height, err := log.Height()
	if err != nil {
		t.Fatalf("height: %v", err)
	}
	if height != 1 {
		t.Fatalf("expected height 1, got %d", height)
	}
}

func TestBlockLogLoadAll(t *testing.T) {
	log := NewBlockLog(NewMemKV())

	for i := uint64(0); i < 3; i++ {
		if err := log.Put(signTestBlock(t, i)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	blocks, err := log.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	for i, b := range blocks {
		if b.Header.Index != uint64(i) {
			t.Fatalf("expected block %d at position %d, got index %d", i, i, b.Header.Index)
		}
	}
}

func TestBlockLogGetMissing(t *testing.T) {
	log := NewBlockLog(NewMemKV())
	_, ok, err := log.Get(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing block to report ok=false")
	}
}
