package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/producers"
	"github.com/matrix-org/bracken/keystore/storage"
	"github.com/matrix-org/bracken/keystore/types"
	"github.com/matrix-org/bracken/setup/config"
)

var ctx = context.Background()

// testDevice fabricates a plausible device key payload. The key material
// only needs to look right, nothing here signs with it.
func testDevice(userID, deviceID string) types.DeviceKeys {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	return types.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[canonical.KeyID]canonical.Base64Bytes{
			canonical.KeyID("ed25519:" + deviceID): canonical.Base64Bytes(pub),
		},
	}
}

func newTestAPI(t *testing.T, localUserID string) *KeyStoreInternalAPI {
	t.Helper()
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "keystore_test.db"))),
	})
	require.NoError(t, err)
	caches, err := caching.NewRistrettoCache(8*caching.MB, time.Hour, false)
	require.NoError(t, err)
	return &KeyStoreInternalAPI{
		DB: db,
		Cfg: &config.KeyStore{
			Matrix: &config.Global{UserID: localUserID, DeviceID: "TEST"},
		},
		Cache:    caches,
		Producer: &producers.SignatureUpload{},
	}
}

func mustInitialise(t *testing.T, a *KeyStoreInternalAPI) api.PerformInitialiseCrossSigningResponse {
	t.Helper()
	var res api.PerformInitialiseCrossSigningResponse
	require.NoError(t, a.PerformInitialiseCrossSigning(ctx, &api.PerformInitialiseCrossSigningRequest{}, &res))
	require.Nil(t, res.Error)
	return res
}

func queryUserTrust(t *testing.T, a *KeyStoreInternalAPI, userID string) bool {
	t.Helper()
	var res api.QueryUserTrustResponse
	require.NoError(t, a.QueryUserTrust(ctx, &api.QueryUserTrustRequest{UserID: userID}, &res))
	return res.Verified
}

func queryDeviceTrust(t *testing.T, a *KeyStoreInternalAPI, userID, deviceID string) api.QueryDeviceTrustResponse {
	t.Helper()
	var res api.QueryDeviceTrustResponse
	require.NoError(t, a.QueryDeviceTrust(ctx, &api.QueryDeviceTrustRequest{UserID: userID, DeviceID: deviceID}, &res))
	return res
}

// crossSigningKeysOf fetches a user's signed cross-signing keys as another
// store would receive them.
func crossSigningKeysOf(t *testing.T, a *KeyStoreInternalAPI, userID string) api.QueryCrossSigningKeysResponse {
	t.Helper()
	var res api.QueryCrossSigningKeysResponse
	require.NoError(t, a.QueryCrossSigningKeys(ctx, &api.QueryCrossSigningKeysRequest{UserID: userID}, &res))
	return res
}

func TestInitialiseCreatesTrustedIdentity(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	assert.False(t, queryUserTrust(t, alice, "@alice:localhost"), "no identity yet, nothing is trusted")

	res := mustInitialise(t, alice)
	assert.NotEmpty(t, res.RecoveryPhrase)
	assert.Len(t, res.MasterKey.Keys, 1)

	assert.True(t, queryUserTrust(t, alice, "@alice:localhost"), "own identity must be trusted immediately")
	assert.False(t, queryUserTrust(t, alice, "@bob:localhost"))

	keys := crossSigningKeysOf(t, alice, "@alice:localhost")
	require.NotNil(t, keys.MasterKey)
	require.NotNil(t, keys.SelfSigningKey)
	require.NotNil(t, keys.UserSigningKey, "local user sees their own user-signing key")
	assert.NotEmpty(t, keys.SelfSigningKey.Signatures["@alice:localhost"], "self-signing key is vouched for by the master key")
}

func TestRestoreReproducesIdentity(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	created := mustInitialise(t, alice)

	restored := newTestAPI(t, "@alice:localhost")
	var res api.PerformRestoreCrossSigningResponse
	require.NoError(t, restored.PerformRestoreCrossSigning(ctx, &api.PerformRestoreCrossSigningRequest{
		RecoveryPhrase: created.RecoveryPhrase,
	}, &res))
	require.Nil(t, res.Error)
	assert.Equal(t, created.MasterKey.Keys, res.MasterKey.Keys, "same phrase must derive the same master key")

	var bad api.PerformRestoreCrossSigningResponse
	require.NoError(t, restored.PerformRestoreCrossSigning(ctx, &api.PerformRestoreCrossSigningRequest{
		RecoveryPhrase: "not a valid recovery phrase at all",
	}, &bad))
	require.NotNil(t, bad.Error)
}

func TestSignDeviceMakesItCrossSigned(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	mustInitialise(t, alice)

	var storeRes api.PerformStoreDeviceKeysResponse
	require.NoError(t, alice.PerformStoreDeviceKeys(ctx, &api.PerformStoreDeviceKeysRequest{
		DeviceKeys: []types.DeviceKeys{testDevice("@alice:localhost", "PHONE")},
	}, &storeRes))
	require.Nil(t, storeRes.Error)

	trust := queryDeviceTrust(t, alice, "@alice:localhost", "PHONE")
	assert.False(t, trust.CrossSignedVerified)
	assert.False(t, trust.LocallyVerified)

	var signRes api.PerformSignDeviceResponse
	require.NoError(t, alice.PerformSignDevice(ctx, &api.PerformSignDeviceRequest{
		UserID: "@alice:localhost", DeviceID: "PHONE",
	}, &signRes))
	require.Nil(t, signRes.Error)

	trust = queryDeviceTrust(t, alice, "@alice:localhost", "PHONE")
	assert.True(t, trust.CrossSignedVerified)
	assert.False(t, trust.LocallyVerified, "cross-signing does not imply the local flag")

	// Ask again to make sure the cached answer agrees.
	trust = queryDeviceTrust(t, alice, "@alice:localhost", "PHONE")
	assert.True(t, trust.CrossSignedVerified)
}

func TestSignDeviceErrors(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")

	var res api.PerformSignDeviceResponse
	require.NoError(t, alice.PerformSignDevice(ctx, &api.PerformSignDeviceRequest{
		UserID: "@alice:localhost", DeviceID: "PHONE",
	}, &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, api.ErrorNoCrossSigningIdentity, res.Error.Code)

	mustInitialise(t, alice)
	res = api.PerformSignDeviceResponse{}
	require.NoError(t, alice.PerformSignDevice(ctx, &api.PerformSignDeviceRequest{
		UserID: "@alice:localhost", DeviceID: "PHONE",
	}, &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, api.ErrorDeviceNotFound, res.Error.Code)

	// A second session of the same user downloads the published keys but
	// never restores the private half: the identity is locked, not missing.
	locked := newTestAPI(t, "@alice:localhost")
	aliceKeys := crossSigningKeysOf(t, alice, "@alice:localhost")
	var setRes api.PerformSetCrossSigningKeysResponse
	require.NoError(t, locked.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@alice:localhost",
		MasterKey:      *aliceKeys.MasterKey,
		SelfSigningKey: *aliceKeys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)

	res = api.PerformSignDeviceResponse{}
	require.NoError(t, locked.PerformSignDevice(ctx, &api.PerformSignDeviceRequest{
		UserID: "@alice:localhost", DeviceID: "PHONE",
	}, &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, api.ErrorKeyLocked, res.Error.Code)
}

func TestMarkDeviceVerified(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	mustInitialise(t, alice)

	var storeRes api.PerformStoreDeviceKeysResponse
	require.NoError(t, alice.PerformStoreDeviceKeys(ctx, &api.PerformStoreDeviceKeysRequest{
		DeviceKeys: []types.DeviceKeys{testDevice("@alice:localhost", "PHONE")},
	}, &storeRes))
	require.Nil(t, storeRes.Error)

	var markRes api.PerformMarkDeviceVerifiedResponse
	require.NoError(t, alice.PerformMarkDeviceVerified(ctx, &api.PerformMarkDeviceVerifiedRequest{
		UserID: "@alice:localhost", DeviceID: "PHONE", Verified: true,
	}, &markRes))
	require.Nil(t, markRes.Error)

	trust := queryDeviceTrust(t, alice, "@alice:localhost", "PHONE")
	assert.True(t, trust.LocallyVerified)
	assert.False(t, trust.CrossSignedVerified, "the local flag does not imply cross-signing")

	markRes = api.PerformMarkDeviceVerifiedResponse{}
	require.NoError(t, alice.PerformMarkDeviceVerified(ctx, &api.PerformMarkDeviceVerifiedRequest{
		UserID: "@alice:localhost", DeviceID: "MISSING", Verified: true,
	}, &markRes))
	require.NotNil(t, markRes.Error)
	assert.Equal(t, api.ErrorDeviceNotFound, markRes.Error.Code)
}

func TestTrustUserExtendsAcrossUsers(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	bob := newTestAPI(t, "@bob:localhost")
	mustInitialise(t, alice)
	mustInitialise(t, bob)

	// Alice downloads Bob's published keys.
	bobKeys := crossSigningKeysOf(t, bob, "@bob:localhost")
	var setRes api.PerformSetCrossSigningKeysResponse
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		MasterKey:      *bobKeys.MasterKey,
		SelfSigningKey: *bobKeys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)

	assert.False(t, queryUserTrust(t, alice, "@bob:localhost"), "knowing keys is not trusting them")

	var trustRes api.PerformTrustUserResponse
	require.NoError(t, alice.PerformTrustUser(ctx, &api.PerformTrustUserRequest{UserID: "@bob:localhost"}, &trustRes))
	require.Nil(t, trustRes.Error)

	assert.True(t, queryUserTrust(t, alice, "@bob:localhost"))

	// Bob signs his own device; Alice learns of it through a device-list
	// download that carries the signature inline.
	var storeRes api.PerformStoreDeviceKeysResponse
	require.NoError(t, bob.PerformStoreDeviceKeys(ctx, &api.PerformStoreDeviceKeysRequest{
		DeviceKeys: []types.DeviceKeys{testDevice("@bob:localhost", "TABLET")},
	}, &storeRes))
	require.Nil(t, storeRes.Error)
	var signRes api.PerformSignDeviceResponse
	require.NoError(t, bob.PerformSignDevice(ctx, &api.PerformSignDeviceRequest{
		UserID: "@bob:localhost", DeviceID: "TABLET",
	}, &signRes))
	require.Nil(t, signRes.Error)

	var bobDevices api.QueryDeviceKeysResponse
	require.NoError(t, bob.QueryDeviceKeys(ctx, &api.QueryDeviceKeysRequest{UserID: "@bob:localhost"}, &bobDevices))
	require.Len(t, bobDevices.DeviceKeys, 1)

	storeRes = api.PerformStoreDeviceKeysResponse{}
	require.NoError(t, alice.PerformStoreDeviceKeys(ctx, &api.PerformStoreDeviceKeysRequest{
		DeviceKeys: bobDevices.DeviceKeys,
	}, &storeRes))
	require.Nil(t, storeRes.Error)

	trust := queryDeviceTrust(t, alice, "@bob:localhost", "TABLET")
	assert.True(t, trust.CrossSignedVerified, "trusted user's self-signed device must be cross-signed verified")
}

func TestMasterReplacementResetsTrust(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	bob := newTestAPI(t, "@bob:localhost")
	mustInitialise(t, alice)
	mustInitialise(t, bob)

	bobKeys := crossSigningKeysOf(t, bob, "@bob:localhost")
	var setRes api.PerformSetCrossSigningKeysResponse
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		MasterKey:      *bobKeys.MasterKey,
		SelfSigningKey: *bobKeys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)
	var trustRes api.PerformTrustUserResponse
	require.NoError(t, alice.PerformTrustUser(ctx, &api.PerformTrustUserRequest{UserID: "@bob:localhost"}, &trustRes))
	require.Nil(t, trustRes.Error)
	require.True(t, queryUserTrust(t, alice, "@bob:localhost"))

	// Bob resets his identity. The new keys arrive at Alice's store and
	// displace the hierarchy she had signed.
	mustInitialise(t, bob)
	newBobKeys := crossSigningKeysOf(t, bob, "@bob:localhost")
	require.NotEqual(t, bobKeys.MasterKey.Keys, newBobKeys.MasterKey.Keys)
	setRes = api.PerformSetCrossSigningKeysResponse{}
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		MasterKey:      *newBobKeys.MasterKey,
		SelfSigningKey: *newBobKeys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)

	assert.False(t, queryUserTrust(t, alice, "@bob:localhost"), "trust must not survive a master key replacement")
}

func TestSetCrossSigningKeysRejectsBrokenChain(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	bob := newTestAPI(t, "@bob:localhost")
	mustInitialise(t, alice)
	mustInitialise(t, bob)

	bobKeys := crossSigningKeysOf(t, bob, "@bob:localhost")

	// Strip the master signature from the self-signing key.
	tampered := *bobKeys.SelfSigningKey
	tampered.Signatures = nil
	var setRes api.PerformSetCrossSigningKeysResponse
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		MasterKey:      *bobKeys.MasterKey,
		SelfSigningKey: tampered,
	}, &setRes))
	require.NotNil(t, setRes.Error)
	assert.Equal(t, api.ErrorInvalidSignatureChain, setRes.Error.Code)

	// A subordinate key without any master key at all is also rejected.
	setRes = api.PerformSetCrossSigningKeysResponse{}
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		SelfSigningKey: *bobKeys.SelfSigningKey,
	}, &setRes))
	require.NotNil(t, setRes.Error)
}

func TestUserSigningKeyIsPrivate(t *testing.T) {
	alice := newTestAPI(t, "@alice:localhost")
	bob := newTestAPI(t, "@bob:localhost")
	mustInitialise(t, alice)
	mustInitialise(t, bob)

	bobKeys := crossSigningKeysOf(t, bob, "@bob:localhost")
	var setRes api.PerformSetCrossSigningKeysResponse
	require.NoError(t, alice.PerformSetCrossSigningKeys(ctx, &api.PerformSetCrossSigningKeysRequest{
		UserID:         "@bob:localhost",
		MasterKey:      *bobKeys.MasterKey,
		SelfSigningKey: *bobKeys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)

	fromAlice := crossSigningKeysOf(t, alice, "@bob:localhost")
	assert.NotNil(t, fromAlice.MasterKey)
	assert.Nil(t, fromAlice.UserSigningKey, "the user-signing key never leaves its owner")
}
