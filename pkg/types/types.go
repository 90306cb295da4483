// Copyright 2025 Certen Protocol
//
// Package types defines the chain's wire data model: blocks, signed
// transactions, and the identity attestations that gate device registration.
// Every struct here is encoded with pkg/codec before it is hashed or signed,
// so field order and tag values are part of the wire contract.
package types

import (
	"github.com/google/uuid"
)

// ChainId is a blockchain identity: the raw 32-byte Ed25519 public key of a
// device or block author. Block authors, transaction signers, and backend
// attesters all live in this one identity space.
type ChainId [32]byte

// Signature is a raw 64-byte Ed25519 signature.
type Signature [64]byte

// IdentityAttestation is a backend-signed statement binding a device to a
// user. It is required on RegisterDevice transactions whenever the chain is
// configured with a backend verifying key (dual authority).
type IdentityAttestation struct {
	UserID     uuid.UUID `cbor:"1,keyasint"`
	DeviceID   uuid.UUID `cbor:"2,keyasint"`
	IssuedAt   uint64    `cbor:"3,keyasint"`
	BackendKey ChainId   `cbor:"4,keyasint"`
	Signature  Signature `cbor:"5,keyasint"`
}

// TxKind tags the variant carried by a Transaction.
type TxKind uint8

const (
	TxRegisterDevice TxKind = iota
	TxUpdateDeviceKeys
	TxRevokeDevice
)

// Transaction is a tagged union of the three chain operations. Exactly one of
// the variant-specific fields is populated, selected by Kind; the codec
// preserves this as an explicit discriminant rather than relying on which
// pointer fields are nil; only Kind decides which arm is live.
type Transaction struct {
	Kind TxKind `cbor:"1,keyasint"`

	// RegisterDevice fields.
	UserID      uuid.UUID            `cbor:"2,keyasint"`
	DeviceID    uuid.UUID            `cbor:"3,keyasint"`
	Ed25519     ChainId              `cbor:"4,keyasint"`
	X25519      ChainId              `cbor:"5,keyasint"`
	Attestation IdentityAttestation  `cbor:"6,keyasint"`

	// UpdateDeviceKeys fields (DeviceID above is reused).
	NewEd25519 ChainId `cbor:"7,keyasint"`
	NewX25519  ChainId `cbor:"8,keyasint"`

	// RevokeDevice reuses DeviceID above and carries no further fields.
}

// RegisterDevice builds a Transaction introducing a device and claiming its
// two public keys.
func RegisterDevice(userID, deviceID uuid.UUID, ed25519, x25519 ChainId, att IdentityAttestation) Transaction {
	return Transaction{
		Kind:        TxRegisterDevice,
		UserID:      userID,
		DeviceID:    deviceID,
		Ed25519:     ed25519,
		X25519:      x25519,
		Attestation: att,
	}
}

// UpdateDeviceKeys builds a Transaction rotating both keys of an existing
// device.
func UpdateDeviceKeys(deviceID uuid.UUID, newEd25519, newX25519 ChainId) Transaction {
	return Transaction{
		Kind:       TxUpdateDeviceKeys,
		DeviceID:   deviceID,
		NewEd25519: newEd25519,
		NewX25519:  newX25519,
	}
}

// RevokeDevice builds a Transaction permanently disabling a device.
func RevokeDevice(deviceID uuid.UUID) Transaction {
	return Transaction{Kind: TxRevokeDevice, DeviceID: deviceID}
}

// SignedTransaction pairs a Transaction payload with its signer's proof.
// The signature covers the canonical encoding of (payload, nonce).
type SignedTransaction struct {
	Payload   Transaction `cbor:"1,keyasint"`
	Signer    ChainId     `cbor:"2,keyasint"`
	Signature Signature   `cbor:"3,keyasint"`
	Nonce     uint64      `cbor:"4,keyasint"`
}

// BlockHeader carries everything about a block except its transactions.
type BlockHeader struct {
	Index             uint64    `cbor:"1,keyasint"`
	Timestamp         uint64    `cbor:"2,keyasint"`
	PreviousHash      [32]byte  `cbor:"3,keyasint"`
	TransactionsHash  [32]byte  `cbor:"4,keyasint"`
	Author            ChainId   `cbor:"5,keyasint"`
	Signature         Signature `cbor:"6,keyasint"`
}

// Block is a header plus the ordered sequence of transactions it carries.
type Block struct {
	Header       BlockHeader         `cbor:"1,keyasint"`
	Transactions []SignedTransaction `cbor:"2,keyasint"`
}
