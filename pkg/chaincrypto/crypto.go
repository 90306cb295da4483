// Copyright 2025 Certen Protocol
//
// Package chaincrypto provides the chain's fixed cryptographic suite:
// Ed25519 signing and verification over SHA-256 digests of canonically
// encoded structures. There is no algorithm negotiation here; a future
// signature scheme is a new transaction variant, never a runtime flag.
package chaincrypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/chainerr"
	"github.com/thesischain/keydirectory/pkg/codec"
	"github.com/thesischain/keydirectory/pkg/types"
)

// HashBytes is the SHA-256 digest of arbitrary bytes.
func HashBytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashBlock is the SHA-256 digest of the canonical encoding of a block. It is
// what the next block's previous_hash must equal.
func HashBlock(block *types.Block) ([32]byte, error) {
	encoded, err := codec.Encode(block)
	if err != nil {
		return [32]byte{}, chainerr.NewSerialization(err.Error())
	}
	return HashBytes(encoded), nil
}

// HashTransactions is the SHA-256 digest of the canonical encoding of a
// transaction sequence. It is what a block header's transactions_hash must
// equal.
func HashTransactions(txs []types.SignedTransaction) ([32]byte, error) {
	encoded, err := codec.Encode(txs)
	if err != nil {
		return [32]byte{}, chainerr.NewSerialization(err.Error())
	}
	return HashBytes(encoded), nil
}

// blockSigningMessage builds index_le8 || timestamp_le8 || previous_hash_32
// || transactions_hash_32, the exact preimage a block author signs.
func blockSigningMessage(index, timestamp uint64, previousHash, txHash [32]byte) []byte {
	msg := make([]byte, 0, 8+8+32+32)
	msg = appendUint64LE(msg, index)
	msg = appendUint64LE(msg, timestamp)
	msg = append(msg, previousHash[:]...)
	msg = append(msg, txHash[:]...)
	return msg
}

func appendUint64LE(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

// transactionSigningMessage is the canonical encoding of (payload, nonce),
// the exact preimage a transaction signer signs.
func transactionSigningMessage(payload types.Transaction, nonce uint64) ([]byte, error) {
	tuple := struct {
		Payload types.Transaction `cbor:"1,keyasint"`
		Nonce   uint64            `cbor:"2,keyasint"`
	}{payload, nonce}
	b, err := codec.Encode(tuple)
	if err != nil {
		return nil, chainerr.NewSerialization(err.Error())
	}
	return b, nil
}

// attestationSigningMessage is the canonical encoding of
// (user_id, device_id, issued_at), the exact preimage a backend signs.
func attestationSigningMessage(att types.IdentityAttestation) ([]byte, error) {
	tuple := struct {
		UserID   uuid.UUID `cbor:"1,keyasint"`
		DeviceID uuid.UUID `cbor:"2,keyasint"`
		IssuedAt uint64    `cbor:"3,keyasint"`
	}{att.UserID, att.DeviceID, att.IssuedAt}
	b, err := codec.Encode(tuple)
	if err != nil {
		return nil, chainerr.NewSerialization(err.Error())
	}
	return b, nil
}

// SignTransaction signs payload at nonce with signingKey, producing a
// SignedTransaction. Infallible given a valid 64-byte Ed25519 private key.
func SignTransaction(payload types.Transaction, nonce uint64, signingKey ed25519.PrivateKey) (types.SignedTransaction, error) {
	msg, err := transactionSigningMessage(payload, nonce)
	if err != nil {
		return types.SignedTransaction{}, err
	}
	sig := ed25519.Sign(signingKey, msg)

	var signer types.ChainId
	copy(signer[:], signingKey.Public().(ed25519.PublicKey))
	var sigArr types.Signature
	copy(sigArr[:], sig)

	return types.SignedTransaction{
		Payload:   payload,
		Signer:    signer,
		Signature: sigArr,
		Nonce:     nonce,
	}, nil
}

// VerifyTransaction verifies a signed transaction's Ed25519 signature.
func VerifyTransaction(tx types.SignedTransaction) error {
	if !isOnCurve(tx.Signer) {
		return chainerr.NewInvalidKey("signer bytes are not a valid Ed25519 point")
	}
	msg, err := transactionSigningMessage(tx.Payload, tx.Nonce)
	if err != nil {
		return err
	}
	if !ed25519.Verify(tx.Signer[:], msg, tx.Signature[:]) {
		return chainerr.NewInvalidTxSignature()
	}
	return nil
}

// SignBlock builds and signs a block from its components, populating
// transactions_hash.
func SignBlock(index, timestamp uint64, previousHash [32]byte, txs []types.SignedTransaction, signingKey ed25519.PrivateKey) (types.Block, error) {
	txHash, err := HashTransactions(txs)
	if err != nil {
		return types.Block{}, err
	}
	msg := blockSigningMessage(index, timestamp, previousHash, txHash)
	sig := ed25519.Sign(signingKey, msg)

	var author types.ChainId
	copy(author[:], signingKey.Public().(ed25519.PublicKey))
	var sigArr types.Signature
	copy(sigArr[:], sig)

	return types.Block{
		Header: types.BlockHeader{
			Index:            index,
			Timestamp:        timestamp,
			PreviousHash:     previousHash,
			TransactionsHash: txHash,
			Author:           author,
			Signature:        sigArr,
		},
		Transactions: txs,
	}, nil
}

// VerifyBlock verifies a block's transactions_hash and header signature. It
// does not verify individual transaction signatures or chain linkage; callers
// combine this with VerifyTransaction and the chain engine's own checks.
func VerifyBlock(block *types.Block) error {
	computed, err := HashTransactions(block.Transactions)
	if err != nil {
		return err
	}
	if computed != block.Header.TransactionsHash {
		return chainerr.NewInvalidTransactionsHash()
	}

	if !isOnCurve(block.Header.Author) {
		return chainerr.NewInvalidKey("author bytes are not a valid Ed25519 point")
	}
	msg := blockSigningMessage(block.Header.Index, block.Header.Timestamp, block.Header.PreviousHash, block.Header.TransactionsHash)
	if !ed25519.Verify(block.Header.Author[:], msg, block.Header.Signature[:]) {
		return chainerr.NewInvalidBlockSignature()
	}
	return nil
}

// SignAttestation produces a backend-signed IdentityAttestation binding
// deviceID to userID as of issuedAt.
func SignAttestation(userID, deviceID uuid.UUID, issuedAt uint64, signingKey ed25519.PrivateKey) (types.IdentityAttestation, error) {
	att := types.IdentityAttestation{
		UserID:   userID,
		DeviceID: deviceID,
		IssuedAt: issuedAt,
	}
	copy(att.BackendKey[:], signingKey.Public().(ed25519.PublicKey))

	msg, err := attestationSigningMessage(att)
	if err != nil {
		return types.IdentityAttestation{}, err
	}
	sig := ed25519.Sign(signingKey, msg)
	copy(att.Signature[:], sig)
	return att, nil
}

// VerifyAttestation checks that att was issued by expectedBackendKey and that
// its signature is valid.
func VerifyAttestation(att types.IdentityAttestation, expectedBackendKey types.ChainId) error {
	if att.BackendKey != expectedBackendKey {
		return chainerr.NewInvalidAttestation("backend key mismatch")
	}
	msg, err := attestationSigningMessage(att)
	if err != nil {
		return err
	}
	if !ed25519.Verify(expectedBackendKey[:], msg, att.Signature[:]) {
		return chainerr.NewInvalidAttestation("signature invalid")
	}
	return nil
}

// isOnCurve rejects the zero key outright; ed25519.Verify itself rejects
// malformed points, but a zero key would otherwise pass through as "valid
// bytes" and must never authorize anything.
func isOnCurve(key types.ChainId) bool {
	var zero types.ChainId
	return key != zero
}
