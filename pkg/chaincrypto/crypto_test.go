package chaincrypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"

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

func TestSignVerifyTransactionRoundTrip(t *testing.T) {
	sk := genKey(t)
	payload := types.RevokeDevice(uuid.New())

	tx, err := SignTransaction(payload, 0, sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyTransaction(tx); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyTransactionRejectsTamperedNonce(t *testing.T) {
	sk := genKey(t)
	payload := types.RevokeDevice(uuid.New())

	tx, err := SignTransaction(payload, 0, sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.Nonce = 1

	if err := VerifyTransaction(tx); err == nil {
		t.Fatal("expected signature verification to fail after nonce tamper")
	}
}

func TestSignVerifyBlockRoundTrip(t *testing.T) {
	sk := genKey(t)
	txPayload := types.RevokeDevice(uuid.New())
	tx, err := SignTransaction(txPayload, 0, sk)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	block, err := SignBlock(0, 1000, [32]byte{}, []types.SignedTransaction{tx}, sk)
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}
	if err := VerifyBlock(&block); err != nil {
		t.Fatalf("verify block: %v", err)
	}
}

func TestVerifyBlockRejectsTransactionsHashMismatch(t *testing.T) {
	sk := genKey(t)
	tx, err := SignTransaction(types.RevokeDevice(uuid.New()), 0, sk)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	block, err := SignBlock(0, 1000, [32]byte{}, []types.SignedTransaction{tx}, sk)
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}

	extra, err := SignTransaction(types.RevokeDevice(uuid.New()), 0, sk)
	if err != nil {
		t.Fatalf("sign extra tx: %v", err)
	}
	block.Transactions = append(block.Transactions, extra)

	if err := VerifyBlock(&block); err == nil {
		t.Fatal("expected transactions_hash mismatch to be detected")
	}
}

func TestAttestationSignVerify(t *testing.T) {
	backend := genKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	att, err := SignAttestation(userID, deviceID, 2000, backend)
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}

	var expected types.ChainId
	copy(expected[:], backend.Public().(ed25519.PublicKey))

	if err := VerifyAttestation(att, expected); err != nil {
		t.Fatalf("verify attestation: %v", err)
	}

	var wrongKey types.ChainId
	wrongKey[0] = 0xFF
	if err := VerifyAttestation(att, wrongKey); err == nil {
		t.Fatal("expected backend-key mismatch to be rejected")
	}
}

func TestHashBlockDeterministic(t *testing.T) {
	sk := genKey(t)
	tx, err := SignTransaction(types.RevokeDevice(uuid.New()), 0, sk)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	block, err := SignBlock(0, 1000, [32]byte{}, []types.SignedTransaction{tx}, sk)
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}

	h1, err := HashBlock(&block)
	if err != nil {
		t.Fatalf("hash 1: %v", err)
	}
	h2, err := HashBlock(&block)
	if err != nil {
		t.Fatalf("hash 2: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected hash_block to be deterministic across calls")
	}
}
