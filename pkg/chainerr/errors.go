// Copyright 2025 Certen Protocol
//
// Error taxonomy for chain validation and state-transition failures.
// Every rejection reaching a caller is one of these kinds; nothing here is
// retried internally.

package chainerr

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies a chain error for callers that need to branch on it
// (e.g. the HTTP layer's status code mapping) without string matching.
type ErrorKind string

const (
	ErrInvalidBlockIndex       ErrorKind = "invalid_block_index"
	ErrInvalidPreviousHash     ErrorKind = "invalid_previous_hash"
	ErrInvalidTimestamp        ErrorKind = "invalid_timestamp"
	ErrInvalidTransactionsHash ErrorKind = "invalid_transactions_hash"
	ErrInvalidBlockSignature   ErrorKind = "invalid_block_signature"
	ErrInvalidTxSignature      ErrorKind = "invalid_transaction_signature"
	ErrInvalidKey              ErrorKind = "invalid_key"
	ErrInvalidAttestation      ErrorKind = "invalid_attestation"
	ErrUnauthorizedAuthor      ErrorKind = "unauthorized_block_author"
	ErrUnauthorizedSigner      ErrorKind = "unauthorized_signer"
	ErrDuplicateDeviceID       ErrorKind = "duplicate_device_id"
	ErrKeyAlreadyInUse         ErrorKind = "key_already_in_use"
	ErrUnknownDevice           ErrorKind = "unknown_device"
	ErrInvalidNonce            ErrorKind = "invalid_nonce"
	ErrSerialization           ErrorKind = "serialization_error"
)

// ChainError is the single error type returned by every validation and
// state-transition operation in this package.
type ChainError struct {
	Kind ErrorKind

	// Populated for the kinds that carry structured detail.
	ExpectedIndex uint64
	GotIndex      uint64
	ExpectedNonce uint64
	GotNonce      uint64
	DeviceID      uuid.UUID
	Detail        string
}

func (e *ChainError) Error() string {
	switch e.Kind {
	case ErrInvalidBlockIndex:
		return fmt.Sprintf("invalid block index: expected %d, got %d", e.ExpectedIndex, e.GotIndex)
	case ErrInvalidPreviousHash:
		return "previous hash does not match"
	case ErrInvalidTimestamp:
		return "block timestamp is before previous block"
	case ErrInvalidTransactionsHash:
		return "transactions hash does not match"
	case ErrInvalidBlockSignature:
		return "block signature is invalid"
	case ErrInvalidTxSignature:
		return "transaction signature is invalid"
	case ErrInvalidKey:
		return fmt.Sprintf("invalid key: %s", e.Detail)
	case ErrInvalidAttestation:
		return fmt.Sprintf("invalid identity attestation: %s", e.Detail)
	case ErrUnauthorizedAuthor:
		return "block author is not an authorized authority"
	case ErrUnauthorizedSigner:
		return "transaction signer is not authorized for this operation"
	case ErrDuplicateDeviceID:
		return fmt.Sprintf("device %s already registered", e.DeviceID)
	case ErrKeyAlreadyInUse:
		return fmt.Sprintf("ed25519 key already claimed by device %s", e.DeviceID)
	case ErrUnknownDevice:
		return fmt.Sprintf("device %s not found on chain", e.DeviceID)
	case ErrInvalidNonce:
		return fmt.Sprintf("invalid nonce: expected %d, got %d", e.ExpectedNonce, e.GotNonce)
	case ErrSerialization:
		return fmt.Sprintf("serialization error: %s", e.Detail)
	default:
		return fmt.Sprintf("chain error: %s", e.Kind)
	}
}

// NewInvalidBlockIndex reports a block whose index does not match its
// expected position in the chain.
func NewInvalidBlockIndex(expected, got uint64) *ChainError {
	return &ChainError{Kind: ErrInvalidBlockIndex, ExpectedIndex: expected, GotIndex: got}
}

// NewInvalidPreviousHash reports a block whose previous_hash does not match
// the hash of the current tip.
func NewInvalidPreviousHash() *ChainError { return &ChainError{Kind: ErrInvalidPreviousHash} }

// NewInvalidTimestamp reports a block timestamp older than its predecessor's.
func NewInvalidTimestamp() *ChainError { return &ChainError{Kind: ErrInvalidTimestamp} }

// NewInvalidTransactionsHash reports a block whose transactions_hash does not
// match the hash of its transaction list.
func NewInvalidTransactionsHash() *ChainError {
	return &ChainError{Kind: ErrInvalidTransactionsHash}
}

// NewInvalidBlockSignature reports a block header signature that failed
// Ed25519 verification.
func NewInvalidBlockSignature() *ChainError { return &ChainError{Kind: ErrInvalidBlockSignature} }

// NewInvalidTxSignature reports a transaction signature that failed Ed25519
// verification.
func NewInvalidTxSignature() *ChainError { return &ChainError{Kind: ErrInvalidTxSignature} }

// NewInvalidKey reports a ChainId that is not a valid point on the Ed25519
// curve.
func NewInvalidKey(detail string) *ChainError {
	return &ChainError{Kind: ErrInvalidKey, Detail: detail}
}

// NewInvalidAttestation reports an identity attestation that failed its
// backend-key check or signature verification.
func NewInvalidAttestation(detail string) *ChainError {
	return &ChainError{Kind: ErrInvalidAttestation, Detail: detail}
}

// NewUnauthorizedAuthor reports a block authored by a ChainId outside the
// current authority set.
func NewUnauthorizedAuthor() *ChainError { return &ChainError{Kind: ErrUnauthorizedAuthor} }

// NewUnauthorizedSigner reports a transaction signed by a key other than the
// one the operation requires (self-registration, self-update, self-revoke).
func NewUnauthorizedSigner() *ChainError { return &ChainError{Kind: ErrUnauthorizedSigner} }

// NewDuplicateDeviceID reports a RegisterDevice transaction naming a
// device_id already present in the directory.
func NewDuplicateDeviceID(id uuid.UUID) *ChainError {
	return &ChainError{Kind: ErrDuplicateDeviceID, DeviceID: id}
}

// NewKeyAlreadyInUse reports a RegisterDevice or UpdateDeviceKeys transaction
// whose Ed25519 key is already claimed by a different, non-revoked device.
// id is the device that already holds the key.
func NewKeyAlreadyInUse(id uuid.UUID) *ChainError {
	return &ChainError{Kind: ErrKeyAlreadyInUse, DeviceID: id}
}

// NewUnknownDevice reports an operation naming a device_id that is absent or
// already revoked.
func NewUnknownDevice(id uuid.UUID) *ChainError {
	return &ChainError{Kind: ErrUnknownDevice, DeviceID: id}
}

// NewInvalidNonce reports a transaction nonce that is not strictly greater
// than the signer's last accepted nonce.
func NewInvalidNonce(expected, got uint64) *ChainError {
	return &ChainError{Kind: ErrInvalidNonce, ExpectedNonce: expected, GotNonce: got}
}

// NewSerialization reports a canonical-encoding failure; this indicates a bug
// rather than an adversarial input, since every signed/hashed type here is
// encodable by construction.
func NewSerialization(detail string) *ChainError {
	return &ChainError{Kind: ErrSerialization, Detail: detail}
}

// IsKind reports whether err is a *ChainError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*ChainError)
	return ok && ce.Kind == kind
}
