package directory

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/chaincrypto"
	"github.com/thesischain/keydirectory/pkg/chainerr"
	"github.com/thesischain/keydirectory/pkg/types"
)

func newDeviceKey(t *testing.T) (ed25519.PrivateKey, types.ChainId) {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var id types.ChainId
	copy(id[:], pub)
	return sk, id
}

func registerTx(t *testing.T, sk ed25519.PrivateKey, ed25519Key, x25519Key types.ChainId, userID, deviceID uuid.UUID, nonce uint64, att types.IdentityAttestation) types.SignedTransaction {
	t.Helper()
	payload := types.RegisterDevice(userID, deviceID, ed25519Key, x25519Key, att)
	tx, err := chaincrypto.SignTransaction(payload, nonce, sk)
	if err != nil {
		t.Fatalf("sign register tx: %v", err)
	}
	return tx
}

func TestRegisterDeviceBecomesAuthority(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	tx := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(tx, 0, nil); err != nil {
		t.Fatalf("apply register: %v", err)
	}

	if !dir.IsAuthority(pub) {
		t.Fatal("expected registered device key to be an authority")
	}
	rec, ok := dir.GetDevice(deviceID)
	if !ok || rec.Ed25519 != pub {
		t.Fatal("expected device record to be present with matching key")
	}
}

func TestRegisterDeviceAttestationMismatchRejected(t *testing.T) {
	backend, backendKey := newDeviceKey(t)
	sk, pub := newDeviceKey(t)
	userID, otherUser, deviceID := uuid.New(), uuid.New(), uuid.New()

	att, err := chaincrypto.SignAttestation(otherUser, deviceID, 2000, backend)
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}

	dir := New()
	tx := registerTx(t, sk, pub, pub, userID, deviceID, 0, att)
	err = dir.ApplyTransaction(tx, 0, &backendKey)
	if !chainerr.IsKind(err, chainerr.ErrInvalidAttestation) {
		t.Fatalf("expected InvalidAttestation, got %v", err)
	}
	if _, ok := dir.GetDevice(deviceID); ok {
		t.Fatal("directory must be unchanged after rejected registration")
	}
}

func TestDuplicateDeviceIDRejected(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	tx1 := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(tx1, 0, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}

	sk2, pub2 := newDeviceKey(t)
	tx2 := registerTx(t, sk2, pub2, pub2, userID, deviceID, 0, types.IdentityAttestation{})
	err := dir.ApplyTransaction(tx2, 1, nil)
	if !chainerr.IsKind(err, chainerr.ErrDuplicateDeviceID) {
		t.Fatalf("expected DuplicateDeviceId, got %v", err)
	}
}

func TestRegisterDeviceRejectsKeyClaimedByActiveDevice(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	tx1 := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(tx1, 0, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}

	tx2 := registerTx(t, sk, pub, pub, userID, uuid.New(), 1, types.IdentityAttestation{})
	err := dir.ApplyTransaction(tx2, 0, nil)
	if !chainerr.IsKind(err, chainerr.ErrKeyAlreadyInUse) {
		t.Fatalf("expected KeyAlreadyInUse, got %v", err)
	}
	if dir.IsAuthority(pub) != true {
		t.Fatal("original device must remain an authority after rejected second registration")
	}
}

func TestRegisterDeviceAllowsKeyFreedByRevocation(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	tx1 := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(tx1, 0, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	revoke, err := chaincrypto.SignTransaction(types.RevokeDevice(deviceID), 1, sk)
	if err != nil {
		t.Fatalf("sign revoke: %v", err)
	}
	if err := dir.ApplyTransaction(revoke, 1, nil); err != nil {
		t.Fatalf("apply revoke: %v", err)
	}

	tx2 := registerTx(t, sk, pub, pub, userID, uuid.New(), 2, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(tx2, 2, nil); err != nil {
		t.Fatalf("expected key to be reusable after revocation, got %v", err)
	}
}

func TestUpdateDeviceKeysRejectsKeyClaimedByActiveDevice(t *testing.T) {
	dir := New()
	skA, pubA := newDeviceKey(t)
	skB, pubB := newDeviceKey(t)
	userID := uuid.New()
	deviceA, deviceB := uuid.New(), uuid.New()

	regA := registerTx(t, skA, pubA, pubA, userID, deviceA, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(regA, 0, nil); err != nil {
		t.Fatalf("register A: %v", err)
	}
	regB := registerTx(t, skB, pubB, pubB, userID, deviceB, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(regB, 0, nil); err != nil {
		t.Fatalf("register B: %v", err)
	}

	update := types.UpdateDeviceKeys(deviceB, pubA, pubA)
	tx, err := chaincrypto.SignTransaction(update, 1, skB)
	if err != nil {
		t.Fatalf("sign update: %v", err)
	}
	if err := dir.ApplyTransaction(tx, 1, nil); !chainerr.IsKind(err, chainerr.ErrKeyAlreadyInUse) {
		t.Fatalf("expected KeyAlreadyInUse, got %v", err)
	}
	if !dir.IsAuthority(pubA) {
		t.Fatal("device A must remain an authority after rejected key collision")
	}
}

func TestCrossSignerRevokeRejected(t *testing.T) {
	dir := New()
	deviceSK, devicePub := newDeviceKey(t)
	authoritySK, authorityPub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	reg := registerTx(t, deviceSK, devicePub, devicePub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(reg, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	authReg := registerTx(t, authoritySK, authorityPub, authorityPub, uuid.New(), uuid.New(), 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(authReg, 0, nil); err != nil {
		t.Fatalf("register authority: %v", err)
	}

	revokePayload := types.RevokeDevice(deviceID)
	// nonce 1: the authority's own registration above consumed nonce 0.
	tx, err := chaincrypto.SignTransaction(revokePayload, 1, authoritySK)
	if err != nil {
		t.Fatalf("sign revoke: %v", err)
	}

	err = dir.ApplyTransaction(tx, 1, nil)
	if !chainerr.IsKind(err, chainerr.ErrUnauthorizedSigner) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}
	rec, _ := dir.GetDevice(deviceID)
	if rec.Revoked {
		t.Fatal("device must not be revoked after unauthorized attempt")
	}
}

func TestNonceReplayRejected(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	reg := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(reg, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	replay := registerTx(t, sk, pub, pub, userID, uuid.New(), 0, types.IdentityAttestation{})
	err := dir.ApplyTransaction(replay, 1, nil)
	var ce *chainerr.ChainError
	if e, ok := err.(*chainerr.ChainError); !ok || e.Kind != chainerr.ErrInvalidNonce {
		t.Fatalf("expected InvalidNonce, got %v", err)
	} else {
		ce = e
	}
	if ce.ExpectedNonce != 1 || ce.GotNonce != 0 {
		t.Fatalf("expected {expected:1 got:0}, got %+v", ce)
	}
}

func TestNonceAllowsGaps(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	reg := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(reg, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	update := types.UpdateDeviceKeys(deviceID, pub, pub)
	tx, err := chaincrypto.SignTransaction(update, 5, sk)
	if err != nil {
		t.Fatalf("sign update: %v", err)
	}
	if err := dir.ApplyTransaction(tx, 1, nil); err != nil {
		t.Fatalf("expected nonce gap to be accepted, got %v", err)
	}
}

func TestKeyRotationPreservesIdentity(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	_, newPub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	reg := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(reg, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	update := types.UpdateDeviceKeys(deviceID, newPub, newPub)
	tx, err := chaincrypto.SignTransaction(update, 1, sk)
	if err != nil {
		t.Fatalf("sign update: %v", err)
	}
	if err := dir.ApplyTransaction(tx, 1, nil); err != nil {
		t.Fatalf("apply update: %v", err)
	}

	if dir.IsAuthority(pub) {
		t.Fatal("old key must no longer be an authority")
	}
	if !dir.IsAuthority(newPub) {
		t.Fatal("new key must be an authority")
	}
	rec, _ := dir.GetDevice(deviceID)
	if rec.Ed25519 != newPub {
		t.Fatal("device record must reflect rotated key")
	}
	if _, ok := dir.DeviceForKey(pub); ok {
		t.Fatal("old key must be removed from reverse index")
	}
}

func TestRevocationIsTerminal(t *testing.T) {
	dir := New()
	sk, pub := newDeviceKey(t)
	userID, deviceID := uuid.New(), uuid.New()

	reg := registerTx(t, sk, pub, pub, userID, deviceID, 0, types.IdentityAttestation{})
	if err := dir.ApplyTransaction(reg, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	revoke, err := chaincrypto.SignTransaction(types.RevokeDevice(deviceID), 1, sk)
	if err != nil {
		t.Fatalf("sign revoke: %v", err)
	}
	if err := dir.ApplyTransaction(revoke, 1, nil); err != nil {
		t.Fatalf("apply revoke: %v", err)
	}

	secondRevoke, err := chaincrypto.SignTransaction(types.RevokeDevice(deviceID), 2, sk)
	if err != nil {
		t.Fatalf("sign second revoke: %v", err)
	}
	if err := dir.ApplyTransaction(secondRevoke, 2, nil); !chainerr.IsKind(err, chainerr.ErrUnknownDevice) {
		t.Fatalf("expected UnknownDevice on second revoke, got %v", err)
	}

	update := types.UpdateDeviceKeys(deviceID, pub, pub)
	updateTx, err := chaincrypto.SignTransaction(update, 3, sk)
	if err != nil {
		t.Fatalf("sign update after revoke: %v", err)
	}
	if err := dir.ApplyTransaction(updateTx, 3, nil); !chainerr.IsKind(err, chainerr.ErrUnknownDevice) {
		t.Fatalf("expected UnknownDevice on update after revoke, got %v", err)
	}
}
