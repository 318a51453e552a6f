package storage

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
	"github.com/matrix-org/bracken/setup/config"
)

var ctx = context.Background()

func MustCreateDatabase(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "keystore_test.db"))),
	})
	if err != nil {
		t.Fatalf("Failed to NewDatabase: %s", err)
	}
	return db
}

func MustNotError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	t.Fatalf("operation failed: %s", err)
}

func mustGenerateKey(t *testing.T) (canonical.KeyID, canonical.Base64Bytes) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	MustNotError(t, err)
	b64 := canonical.Base64Bytes(pub)
	return canonical.KeyID("ed25519:" + b64.Encode()), b64
}

func TestCrossSigningKeysRoundTrip(t *testing.T) {
	db := MustCreateDatabase(t)
	alice := "@alice:localhost"
	masterKeyID, masterKey := mustGenerateKey(t)
	selfKeyID, selfKey := mustGenerateKey(t)
	sig := canonical.Base64Bytes(bytes.Repeat([]byte{7}, ed25519.SignatureSize))

	MustNotError(t, db.StoreCrossSigningKeysForUser(ctx, alice, types.CrossSigningKeyMap{
		types.CrossSigningKeyPurposeMaster:      masterKey,
		types.CrossSigningKeyPurposeSelfSigning: selfKey,
	}, []tables.SignatureRow{
		{OriginUserID: alice, OriginKeyID: masterKeyID, TargetUserID: alice, TargetKeyID: selfKeyID, Signature: sig},
	}))

	keys, err := db.CrossSigningKeysForUser(ctx, alice)
	MustNotError(t, err)
	if len(keys) != 2 {
		t.Fatalf("CrossSigningKeysForUser: got %d keys, want 2", len(keys))
	}
	selfSigning := keys[types.CrossSigningKeyPurposeSelfSigning]
	if !bytes.Equal(selfSigning.Keys[selfKeyID], selfKey) {
		t.Fatalf("self-signing key material mismatch")
	}
	if !bytes.Equal(selfSigning.Signatures[alice][masterKeyID], sig) {
		t.Fatalf("self-signing key is missing the master signature")
	}

	edges, err := db.CrossSigningSigsMadeBy(ctx, alice, masterKeyID)
	MustNotError(t, err)
	if len(edges) != 1 || edges[0].TargetKeyID != selfKeyID {
		t.Fatalf("CrossSigningSigsMadeBy: got %+v", edges)
	}
}

func TestMasterKeyReplacementPurgesOldHierarchy(t *testing.T) {
	db := MustCreateDatabase(t)
	alice := "@alice:localhost"
	masterKeyID, masterKey := mustGenerateKey(t)
	selfKeyID, selfKey := mustGenerateKey(t)
	sig := canonical.Base64Bytes(bytes.Repeat([]byte{9}, ed25519.SignatureSize))

	MustNotError(t, db.StoreCrossSigningKeysForUser(ctx, alice, types.CrossSigningKeyMap{
		types.CrossSigningKeyPurposeMaster:      masterKey,
		types.CrossSigningKeyPurposeSelfSigning: selfKey,
	}, []tables.SignatureRow{
		{OriginUserID: alice, OriginKeyID: masterKeyID, TargetUserID: alice, TargetKeyID: selfKeyID, Signature: sig},
	}))

	epoch, err := db.TrustEpochForUser(ctx, alice)
	MustNotError(t, err)
	if epoch != 0 {
		t.Fatalf("TrustEpochForUser: got %d, want 0", epoch)
	}

	// Same master again must not bump the epoch.
	MustNotError(t, db.StoreCrossSigningKeysForUser(ctx, alice, types.CrossSigningKeyMap{
		types.CrossSigningKeyPurposeMaster: masterKey,
	}, nil))
	epoch, err = db.TrustEpochForUser(ctx, alice)
	MustNotError(t, err)
	if epoch != 0 {
		t.Fatalf("TrustEpochForUser after idempotent store: got %d, want 0", epoch)
	}

	// A new master is a new hierarchy.
	_, newMaster := mustGenerateKey(t)
	MustNotError(t, db.StoreCrossSigningKeysForUser(ctx, alice, types.CrossSigningKeyMap{
		types.CrossSigningKeyPurposeMaster: newMaster,
	}, nil))

	epoch, err = db.TrustEpochForUser(ctx, alice)
	MustNotError(t, err)
	if epoch != 1 {
		t.Fatalf("TrustEpochForUser after replacement: got %d, want 1", epoch)
	}
	keys, err := db.CrossSigningKeysDataForUser(ctx, alice)
	MustNotError(t, err)
	if _, ok := keys[types.CrossSigningKeyPurposeSelfSigning]; ok {
		t.Fatalf("old self-signing key survived master replacement")
	}
	edges, err := db.CrossSigningSigsMadeBy(ctx, alice, masterKeyID)
	MustNotError(t, err)
	if len(edges) != 0 {
		t.Fatalf("old signatures survived master replacement: %+v", edges)
	}
}

func TestDeviceKeysLifecycle(t *testing.T) {
	db := MustCreateDatabase(t)
	alice := "@alice:localhost"
	keyID, key := mustGenerateKey(t)
	device := types.DeviceKeys{
		UserID:     alice,
		DeviceID:   "PHONE",
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
		Keys:       map[canonical.KeyID]canonical.Base64Bytes{keyID: key},
	}
	MustNotError(t, db.StoreDeviceKeys(ctx, []types.DeviceKeys{device}))

	got, err := db.DeviceKeys(ctx, alice, "PHONE")
	MustNotError(t, err)
	if got == nil || got.DeviceID != "PHONE" || !bytes.Equal(got.Keys[keyID], key) {
		t.Fatalf("DeviceKeys: got %+v", got)
	}

	// Devices are unverified until told otherwise.
	verified, err := db.DeviceLocallyVerified(ctx, alice, "PHONE")
	MustNotError(t, err)
	if verified {
		t.Fatalf("new device should not be locally verified")
	}
	found, err := db.MarkDeviceLocallyVerified(ctx, alice, "PHONE", true)
	MustNotError(t, err)
	if !found {
		t.Fatalf("MarkDeviceLocallyVerified: device not found")
	}
	verified, err = db.DeviceLocallyVerified(ctx, alice, "PHONE")
	MustNotError(t, err)
	if !verified {
		t.Fatalf("device should be locally verified after marking")
	}
	found, err = db.MarkDeviceLocallyVerified(ctx, alice, "MISSING", true)
	MustNotError(t, err)
	if found {
		t.Fatalf("MarkDeviceLocallyVerified: unknown device reported found")
	}

	// A snapshot without the device prunes it.
	laptopKeyID, laptopKey := mustGenerateKey(t)
	MustNotError(t, db.ReplaceDeviceKeysForUser(ctx, alice, []types.DeviceKeys{{
		UserID:   alice,
		DeviceID: "LAPTOP",
		Keys:     map[canonical.KeyID]canonical.Base64Bytes{laptopKeyID: laptopKey},
	}}))
	got, err = db.DeviceKeys(ctx, alice, "PHONE")
	MustNotError(t, err)
	if got != nil {
		t.Fatalf("device PHONE survived snapshot replacement")
	}
	devices, err := db.DeviceKeysForUser(ctx, alice)
	MustNotError(t, err)
	if len(devices) != 1 || devices[0].DeviceID != "LAPTOP" {
		t.Fatalf("DeviceKeysForUser: got %+v", devices)
	}
}

func TestDeleteDeviceKeysRemovesSignatures(t *testing.T) {
	db := MustCreateDatabase(t)
	alice := "@alice:localhost"
	deviceKeyID, deviceKey := mustGenerateKey(t)
	selfKeyID, _ := mustGenerateKey(t)
	sig := canonical.Base64Bytes(bytes.Repeat([]byte{3}, ed25519.SignatureSize))

	MustNotError(t, db.StoreDeviceKeys(ctx, []types.DeviceKeys{{
		UserID:   alice,
		DeviceID: "PHONE",
		Keys:     map[canonical.KeyID]canonical.Base64Bytes{deviceKeyID: deviceKey},
	}}))
	MustNotError(t, db.StoreCrossSigningSigs(ctx, alice, selfKeyID, alice, deviceKeyID, sig))

	MustNotError(t, db.DeleteDeviceKeys(ctx, alice, "PHONE"))
	sigMap, err := db.CrossSigningSigsForTarget(ctx, alice, deviceKeyID)
	MustNotError(t, err)
	if len(sigMap) != 0 {
		t.Fatalf("signatures over deleted device survived: %+v", sigMap)
	}
}

func TestLocalIdentityRoundTrip(t *testing.T) {
	db := MustCreateDatabase(t)
	identity, err := db.LocalIdentity(ctx)
	MustNotError(t, err)
	if identity != nil {
		t.Fatalf("LocalIdentity on fresh store: got %+v, want nil", identity)
	}

	stored := types.LocalIdentity{
		UserID:          "@alice:localhost",
		MasterSeed:      bytes.Repeat([]byte{1}, ed25519.SeedSize),
		SelfSigningSeed: bytes.Repeat([]byte{2}, ed25519.SeedSize),
		UserSigningSeed: bytes.Repeat([]byte{3}, ed25519.SeedSize),
	}
	MustNotError(t, db.StoreLocalIdentity(ctx, stored))
	identity, err = db.LocalIdentity(ctx)
	MustNotError(t, err)
	if identity == nil || identity.UserID != stored.UserID || !bytes.Equal(identity.MasterSeed, stored.MasterSeed) {
		t.Fatalf("LocalIdentity: got %+v", identity)
	}

	// Replacing the identity is allowed, there is only ever one row.
	stored.MasterSeed = bytes.Repeat([]byte{4}, ed25519.SeedSize)
	MustNotError(t, db.StoreLocalIdentity(ctx, stored))
	identity, err = db.LocalIdentity(ctx)
	MustNotError(t, err)
	if !bytes.Equal(identity.MasterSeed, stored.MasterSeed) {
		t.Fatalf("LocalIdentity was not replaced")
	}
}
