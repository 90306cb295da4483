// Copyright 2025 Certen Protocol
//
// Package directory implements the key-directory state machine: the pure
// fold of applied transactions into device records, reverse indexes, and the
// authority set. It has no I/O and no concurrency of its own — callers that
// share the chain engine above it across goroutines guard it with a
// read-write lock.
package directory

import (
	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/chainerr"
	"github.com/thesischain/keydirectory/pkg/types"
)

// DeviceRecord is the authoritative directory row for one device.
type DeviceRecord struct {
	DeviceID           uuid.UUID    `json:"device_id"`
	UserID             uuid.UUID    `json:"user_id"`
	Ed25519            types.ChainId `json:"ed25519"`
	X25519             types.ChainId `json:"x25519"`
	RegisteredAtBlock  uint64       `json:"registered_at_block"`
	Revoked            bool         `json:"revoked"`
}

// KeyDirectory is the derived world state: the fold of every transaction
// applied to the chain so far.
type KeyDirectory struct {
	// device_id -> record. Primary store; device_id is a primary key (I1).
	devices map[uuid.UUID]*DeviceRecord

	// user_id -> device_ids in registration order.
	userDevices map[uuid.UUID][]uuid.UUID

	// current ed25519 key -> device_id. Revoked or rotated-away keys are
	// removed so a stale key can never be mistaken for a live one (I4).
	keyToDevice map[types.ChainId]uuid.UUID

	// signer -> highest accepted nonce (I2).
	nonces map[types.ChainId]uint64

	// ed25519 keys of every currently non-revoked device (I3).
	authorities map[types.ChainId]struct{}
}

// New returns an empty key directory.
func New() *KeyDirectory {
	return &KeyDirectory{
		devices:     make(map[uuid.UUID]*DeviceRecord),
		userDevices: make(map[uuid.UUID][]uuid.UUID),
		keyToDevice: make(map[types.ChainId]uuid.UUID),
		nonces:      make(map[types.ChainId]uint64),
		authorities: make(map[types.ChainId]struct{}),
	}
}

// Clone returns a deep copy of the directory, used by the chain engine to
// stage a block's transactions before committing them — KeyDirectory has no
// transactional rollback, so speculative application happens on a copy.
func (d *KeyDirectory) Clone() *KeyDirectory {
	clone := New()
	for id, rec := range d.devices {
		copied := *rec
		clone.devices[id] = &copied
	}
	for userID, ids := range d.userDevices {
		clone.userDevices[userID] = append([]uuid.UUID(nil), ids...)
	}
	for k, v := range d.keyToDevice {
		clone.keyToDevice[k] = v
	}
	for k, v := range d.nonces {
		clone.nonces[k] = v
	}
	for k := range d.authorities {
		clone.authorities[k] = struct{}{}
	}
	return clone
}

// AllDevices returns every device record currently in the directory, in no
// particular order. Used by read-model mirrors that need the full set
// rather than one user's devices at a time.
func (d *KeyDirectory) AllDevices() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(d.devices))
	for _, rec := range d.devices {
		out = append(out, *rec)
	}
	return out
}

// GetDevice looks up a device by its UUID.
func (d *KeyDirectory) GetDevice(deviceID uuid.UUID) (DeviceRecord, bool) {
	rec, ok := d.devices[deviceID]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// GetUserDevices returns all device records belonging to a user, in
// registration order.
func (d *KeyDirectory) GetUserDevices(userID uuid.UUID) []DeviceRecord {
	ids := d.userDevices[userID]
	out := make([]DeviceRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := d.devices[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// IsAuthority reports whether key currently authorizes block authorship.
func (d *KeyDirectory) IsAuthority(key types.ChainId) bool {
	_, ok := d.authorities[key]
	return ok
}

// DeviceForKey looks up which device currently owns a chain identity.
func (d *KeyDirectory) DeviceForKey(key types.ChainId) (uuid.UUID, bool) {
	id, ok := d.keyToDevice[key]
	return id, ok
}

// AuthorityCount returns the number of currently authorized block authors.
func (d *KeyDirectory) AuthorityCount() int {
	return len(d.authorities)
}

// VerifyNonce checks whether nonce is acceptable as signer's next
// transaction nonce, without mutating state. The policy is strict-monotone,
// not strict-contiguous: the first transaction from a signer must use nonce
// 0, and every later one must exceed the previously accepted nonce, but gaps
// are allowed.
func (d *KeyDirectory) VerifyNonce(signer types.ChainId, nonce uint64) error {
	expected := uint64(0)
	if last, ok := d.nonces[signer]; ok {
		expected = last + 1
	}
	if nonce < expected {
		return chainerr.NewInvalidNonce(expected, nonce)
	}
	return nil
}

// ApplyTransaction folds a single signed transaction into the directory.
// Callers must already have verified tx's signature; this only enforces
// nonce ordering, per-variant authorization rules, and (when backendKey is
// non-nil) the dual-authority attestation check on RegisterDevice.
func (d *KeyDirectory) ApplyTransaction(tx types.SignedTransaction, blockIndex uint64, backendKey *types.ChainId) error {
	if err := d.VerifyNonce(tx.Signer, tx.Nonce); err != nil {
		return err
	}

	switch tx.Payload.Kind {
	case types.TxRegisterDevice:
		if err := d.applyRegisterDevice(tx, blockIndex, backendKey); err != nil {
			return err
		}
	case types.TxUpdateDeviceKeys:
		if err := d.applyUpdateDeviceKeys(tx); err != nil {
			return err
		}
	case types.TxRevokeDevice:
		if err := d.applyRevokeDevice(tx); err != nil {
			return err
		}
	default:
		return chainerr.NewInvalidKey("unknown transaction kind")
	}

	d.nonces[tx.Signer] = tx.Nonce
	return nil
}

// VerifyRegistrationAttestation checks the dual-authority rule for a
// RegisterDevice payload against expectedBackendKey: the attestation's
// signature must verify, and its user/device fields must match the payload
// it is bound to. Exported so the HTTP and P2P ingress paths can reject a
// badly attested registration before it ever reaches a mempool, rather than
// only discovering the failure at block-formation time.
func VerifyRegistrationAttestation(p types.Transaction, expectedBackendKey types.ChainId) error {
	if err := chaincrypto.VerifyAttestation(p.Attestation, expectedBackendKey); err != nil {
		return err
	}
	if p.Attestation.UserID != p.UserID || p.Attestation.DeviceID != p.DeviceID {
		return chainerr.NewInvalidAttestation("fields do not match")
	}
	return nil
}

func (d *KeyDirectory) applyRegisterDevice(tx types.SignedTransaction, blockIndex uint64, backendKey *types.ChainId) error {
	p := tx.Payload

	if _, exists := d.devices[p.DeviceID]; exists {
		return chainerr.NewDuplicateDeviceID(p.DeviceID)
	}

	// The device signs its own introduction; no proxy registration.
	if tx.Signer != p.Ed25519 {
		return chainerr.NewUnauthorizedSigner()
	}

	if holder, claimed := d.keyToDevice[p.Ed25519]; claimed {
		if rec := d.devices[holder]; rec != nil && !rec.Revoked {
			return chainerr.NewKeyAlreadyInUse(holder)
		}
	}

	if backendKey != nil {
		if err := VerifyRegistrationAttestation(p, *backendKey); err != nil {
			return err
		}
	}

	record := &DeviceRecord{
		DeviceID:          p.DeviceID,
		UserID:            p.UserID,
		Ed25519:           p.Ed25519,
		X25519:            p.X25519,
		RegisteredAtBlock: blockIndex,
		Revoked:           false,
	}

	d.devices[p.DeviceID] = record
	d.userDevices[p.UserID] = append(d.userDevices[p.UserID], p.DeviceID)
	d.keyToDevice[p.Ed25519] = p.DeviceID
	d.authorities[p.Ed25519] = struct{}{}

	return nil
}

func (d *KeyDirectory) applyUpdateDeviceKeys(tx types.SignedTransaction) error {
	p := tx.Payload

	record, ok := d.devices[p.DeviceID]
	if !ok || record.Revoked {
		return chainerr.NewUnknownDevice(p.DeviceID)
	}
	if tx.Signer != record.Ed25519 {
		return chainerr.NewUnauthorizedSigner()
	}

	if holder, claimed := d.keyToDevice[p.NewEd25519]; claimed && holder != p.DeviceID {
		if rec := d.devices[holder]; rec != nil && !rec.Revoked {
			return chainerr.NewKeyAlreadyInUse(holder)
		}
	}

	delete(d.keyToDevice, record.Ed25519)
	delete(d.authorities, record.Ed25519)

	record.Ed25519 = p.NewEd25519
	record.X25519 = p.NewX25519

	d.keyToDevice[p.NewEd25519] = p.DeviceID
	d.authorities[p.NewEd25519] = struct{}{}

	return nil
}

func (d *KeyDirectory) applyRevokeDevice(tx types.SignedTransaction) error {
	p := tx.Payload

	record, ok := d.devices[p.DeviceID]
	if !ok || record.Revoked {
		return chainerr.NewUnknownDevice(p.DeviceID)
	}
	if tx.Signer != record.Ed25519 {
		return chainerr.NewUnauthorizedSigner()
	}

	record.Revoked = true
	delete(d.authorities, record.Ed25519)
	delete(d.keyToDevice, record.Ed25519)

	return nil
}
