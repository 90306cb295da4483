// Copyright 2025 Certen Protocol

package chain

import (
	"crypto/ed25519"

	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/types"
)

// GenesisDevice is the information needed to register one initial device in
// the genesis block.
type GenesisDevice struct {
	UserID     uuid.UUID
	DeviceID   uuid.UUID
	SigningKey ed25519.PrivateKey
	X25519     types.ChainId
}

// CreateGenesis builds a genesis block containing a RegisterDevice
// transaction for each initial device; the bootstrap key signs the block
// itself. The bootstrap key should also appear among initialDevices so it
// becomes an authority.
//
// When backendSigningKey is non-nil, each device gets a real identity
// attestation. When nil, an unsigned attestation is embedded (user, device
// and issue time set; backend key and signature zero). New applies genesis
// transactions without the attestation check, so such a genesis is accepted
// whatever backend key the Chain is constructed with; an unsigned
// attestation in any later block is rejected when a backend key is set.
func CreateGenesis(bootstrapKey ed25519.PrivateKey, timestamp uint64, initialDevices []GenesisDevice, backendSigningKey ed25519.PrivateKey) (types.Block, error) {
	txs := make([]types.SignedTransaction, 0, len(initialDevices))

	for i, dev := range initialDevices {
		var ed25519Key types.ChainId
		copy(ed25519Key[:], dev.SigningKey.Public().(ed25519.PublicKey))

		var att types.IdentityAttestation
		if backendSigningKey != nil {
			signed, err := chaincrypto.SignAttestation(dev.UserID, dev.DeviceID, timestamp, backendSigningKey)
			if err != nil {
				return types.Block{}, err
			}
			att = signed
		} else {
			att = types.IdentityAttestation{
				UserID:   dev.UserID,
				DeviceID: dev.DeviceID,
				IssuedAt: timestamp,
			}
		}

		payload := types.RegisterDevice(dev.UserID, dev.DeviceID, ed25519Key, dev.X25519, att)
		signed, err := chaincrypto.SignTransaction(payload, uint64(i), dev.SigningKey)
		if err != nil {
			return types.Block{}, err
		}
		txs = append(txs, signed)
	}

	return chaincrypto.SignBlock(0, timestamp, [32]byte{}, txs, bootstrapKey)
}
