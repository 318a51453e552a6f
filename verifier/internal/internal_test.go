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
	"github.com/matrix-org/bracken/keystore"
	keyapi "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/types"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
	"github.com/matrix-org/bracken/verifier/producers"
	"github.com/matrix-org/bracken/verifier/storage"
)

var ctx = context.Background()

// loopbackTransport delivers every event straight into the peer engine.
// Delivery is still asynchronous: the engine only enqueues on receive.
type loopbackTransport struct {
	peer api.VerifierInternalAPI
	fail bool
}

func (l *loopbackTransport) SendToDevice(ctx context.Context, userID, deviceID string, event *api.ToDeviceEvent) error {
	if l.fail {
		return fmt.Errorf("transport unavailable")
	}
	if l.peer != nil {
		l.peer.ProcessToDeviceEvent(ctx, event)
	}
	return nil
}

func newTestKeyAPI(t *testing.T, localUserID, localDeviceID string) keyapi.KeyStoreInternalAPI {
	t.Helper()
	caches, err := caching.NewRistrettoCache(8*caching.MB, time.Hour, false)
	require.NoError(t, err)
	cfg := &config.KeyStore{
		Matrix: &config.Global{UserID: localUserID, DeviceID: localDeviceID},
		Database: config.DatabaseOptions{
			ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "keystore_test.db"))),
		},
	}
	return keystore.NewInternalAPI(cfg, caches, nil, nil)
}

func newTestEngine(t *testing.T, processCtx *process.ProcessContext, localUserID, localDeviceID string, keyAPI keyapi.KeyStoreInternalAPI, transport api.Transport) *VerifierInternalAPI {
	t.Helper()
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "verifier_test.db"))),
	})
	require.NoError(t, err)
	cfg := &config.Verifier{
		Matrix:          &config.Global{UserID: localUserID, DeviceID: localDeviceID},
		FlowTimeout:     time.Minute * 10,
		FlowGracePeriod: time.Minute * 2,
	}
	return NewVerifierInternalAPI(processCtx, cfg, db, keyAPI, transport, producers.NewFlowUpdate())
}

func storeDevices(t *testing.T, a keyapi.KeyStoreInternalAPI, devices ...types.DeviceKeys) {
	t.Helper()
	var res keyapi.PerformStoreDeviceKeysResponse
	require.NoError(t, a.PerformStoreDeviceKeys(ctx, &keyapi.PerformStoreDeviceKeysRequest{DeviceKeys: devices}, &res))
	require.Nil(t, res.Error)
}

// testDevice fabricates a plausible device key payload, shared between
// both stores so the MAC exchange sees the same material everywhere.
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

// twoDeviceSetup wires two engines for the same user, each with its own
// key store holding both devices' keys. Engine A owns the cross-signing
// identity.
func twoDeviceSetup(t *testing.T, userID string) (engineA, engineB *VerifierInternalAPI, keyA, keyB keyapi.KeyStoreInternalAPI) {
	t.Helper()
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)

	keyA = newTestKeyAPI(t, userID, "ALPHA")
	keyB = newTestKeyAPI(t, userID, "BETA")
	alpha := testDevice(userID, "ALPHA")
	beta := testDevice(userID, "BETA")
	storeDevices(t, keyA, alpha, beta)
	storeDevices(t, keyB, alpha, beta)

	var initRes keyapi.PerformInitialiseCrossSigningResponse
	require.NoError(t, keyA.PerformInitialiseCrossSigning(ctx, &keyapi.PerformInitialiseCrossSigningRequest{}, &initRes))
	require.Nil(t, initRes.Error)

	// B learns A's public cross-signing keys the way a device list
	// download would deliver them.
	var keys keyapi.QueryCrossSigningKeysResponse
	require.NoError(t, keyA.QueryCrossSigningKeys(ctx, &keyapi.QueryCrossSigningKeysRequest{UserID: userID}, &keys))
	var setRes keyapi.PerformSetCrossSigningKeysResponse
	require.NoError(t, keyB.PerformSetCrossSigningKeys(ctx, &keyapi.PerformSetCrossSigningKeysRequest{
		UserID:         userID,
		MasterKey:      *keys.MasterKey,
		SelfSigningKey: *keys.SelfSigningKey,
	}, &setRes))
	require.Nil(t, setRes.Error)

	transportA := &loopbackTransport{}
	transportB := &loopbackTransport{}
	engineA = newTestEngine(t, processCtx, userID, "ALPHA", keyA, transportA)
	engineB = newTestEngine(t, processCtx, userID, "BETA", keyB, transportB)
	transportA.peer = engineB
	transportB.peer = engineA
	return engineA, engineB, keyA, keyB
}

func queryFlow(t *testing.T, v *VerifierInternalAPI, otherUserID, flowID string) (bool, api.Flow) {
	t.Helper()
	var res api.QueryVerificationFlowResponse
	require.NoError(t, v.QueryVerificationFlow(ctx, &api.QueryVerificationFlowRequest{
		OtherUserID: otherUserID,
		FlowID:      flowID,
	}, &res))
	return res.Found, res.Flow
}

func waitForFlow(t *testing.T, v *VerifierInternalAPI, otherUserID, flowID string, check func(api.Flow) bool) api.Flow {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if found, flow := queryFlow(t, v, otherUserID, flowID); found && check(flow) {
			return flow
		}
		time.Sleep(time.Millisecond * 10)
	}
	found, flow := queryFlow(t, v, otherUserID, flowID)
	t.Fatalf("flow %s did not reach expected condition, found=%v state=%s", flowID, found, flow.State)
	return api.Flow{}
}

func waitForState(t *testing.T, v *VerifierInternalAPI, otherUserID, flowID string, state api.FlowState) api.Flow {
	t.Helper()
	return waitForFlow(t, v, otherUserID, flowID, func(f api.Flow) bool { return f.State == state })
}

func requestAndReady(t *testing.T, engineA, engineB *VerifierInternalAPI, userA, userB string) string {
	t.Helper()
	var req api.PerformRequestVerificationResponse
	require.NoError(t, engineA.PerformRequestVerification(ctx, &api.PerformRequestVerificationRequest{
		OtherUserID:   userB,
		OtherDeviceID: engineB.localDeviceID(),
	}, &req))
	require.Nil(t, req.Error)
	flowID := req.FlowID

	waitForState(t, engineB, userA, flowID, api.FlowStateRequested)
	var ready api.PerformReadyVerificationResponse
	require.NoError(t, engineB.PerformReadyVerification(ctx, &api.PerformReadyVerificationRequest{
		OtherUserID: userA,
		FlowID:      flowID,
	}, &ready))
	require.Nil(t, ready.Error)

	waitForState(t, engineA, userB, flowID, api.FlowStateReady)
	waitForState(t, engineB, userA, flowID, api.FlowStateReady)
	return flowID
}

func TestSASVerificationBetweenOwnDevices(t *testing.T) {
	userID := "@alice:localhost"
	engineA, engineB, keyA, _ := twoDeviceSetup(t, userID)
	flowID := requestAndReady(t, engineA, engineB, userID, userID)

	var start api.PerformStartSASResponse
	require.NoError(t, engineA.PerformStartSAS(ctx, &api.PerformStartSASRequest{
		OtherUserID: userID,
		FlowID:      flowID,
	}, &start))
	require.Nil(t, start.Error)

	flowA := waitForFlow(t, engineA, userID, flowID, func(f api.Flow) bool { return len(f.ShortCodeDecimal) == 3 })
	flowB := waitForFlow(t, engineB, userID, flowID, func(f api.Flow) bool { return len(f.ShortCodeDecimal) == 3 })
	assert.Equal(t, flowA.ShortCodeDecimal, flowB.ShortCodeDecimal, "both sides must display the same decimal code")
	assert.Equal(t, flowA.ShortCodeEmoji, flowB.ShortCodeEmoji, "both sides must display the same emoji")
	assert.Len(t, flowA.ShortCodeEmoji, 7)
	for _, d := range flowA.ShortCodeDecimal {
		assert.GreaterOrEqual(t, d, uint16(1000))
		assert.LessOrEqual(t, d, uint16(9191))
	}

	var confirm api.PerformConfirmSASResponse
	require.NoError(t, engineA.PerformConfirmSAS(ctx, &api.PerformConfirmSASRequest{
		OtherUserID: userID, FlowID: flowID, Matched: true,
	}, &confirm))
	require.Nil(t, confirm.Error)
	require.NoError(t, engineB.PerformConfirmSAS(ctx, &api.PerformConfirmSASRequest{
		OtherUserID: userID, FlowID: flowID, Matched: true,
	}, &confirm))
	require.Nil(t, confirm.Error)

	waitForState(t, engineA, userID, flowID, api.FlowStateDone)
	waitForState(t, engineB, userID, flowID, api.FlowStateDone)

	// Engine A holds the identity and signed BETA on completion.
	var trust keyapi.QueryDeviceTrustResponse
	require.NoError(t, keyA.QueryDeviceTrust(ctx, &keyapi.QueryDeviceTrustRequest{
		UserID: userID, DeviceID: "BETA",
	}, &trust))
	assert.True(t, trust.CrossSignedVerified, "verified device must be cross-signed")
	assert.True(t, trust.LocallyVerified, "verified device must be locally verified")
}

func TestSASMismatchCancelsBothSides(t *testing.T) {
	userID := "@alice:localhost"
	engineA, engineB, _, _ := twoDeviceSetup(t, userID)
	flowID := requestAndReady(t, engineA, engineB, userID, userID)

	var start api.PerformStartSASResponse
	require.NoError(t, engineA.PerformStartSAS(ctx, &api.PerformStartSASRequest{
		OtherUserID: userID,
		FlowID:      flowID,
	}, &start))
	require.Nil(t, start.Error)
	waitForFlow(t, engineB, userID, flowID, func(f api.Flow) bool { return len(f.ShortCodeDecimal) == 3 })

	var confirm api.PerformConfirmSASResponse
	require.NoError(t, engineB.PerformConfirmSAS(ctx, &api.PerformConfirmSASRequest{
		OtherUserID: userID, FlowID: flowID, Matched: false,
	}, &confirm))
	require.Nil(t, confirm.Error)

	flowB := waitForState(t, engineB, userID, flowID, api.FlowStateCancelled)
	assert.Equal(t, api.CancelCodeMismatchedSAS, flowB.CancelCode)
	flowA := waitForState(t, engineA, userID, flowID, api.FlowStateCancelled)
	assert.Equal(t, api.CancelCodeMismatchedSAS, flowA.CancelCode)
}

func TestCancelIsSynchronousAndIdempotent(t *testing.T) {
	userID := "@alice:localhost"
	engineA, engineB, _, _ := twoDeviceSetup(t, userID)
	flowID := requestAndReady(t, engineA, engineB, userID, userID)

	var cancel api.PerformCancelVerificationResponse
	require.NoError(t, engineA.PerformCancelVerification(ctx, &api.PerformCancelVerificationRequest{
		OtherUserID: userID, FlowID: flowID, Code: api.CancelCodeUser,
	}, &cancel))
	require.Nil(t, cancel.Error)

	// Local state is already Cancelled when the call returns.
	found, flowA := queryFlow(t, engineA, userID, flowID)
	require.True(t, found)
	assert.Equal(t, api.FlowStateCancelled, flowA.State)
	assert.Equal(t, api.CancelCodeUser, flowA.CancelCode)

	waitForState(t, engineB, userID, flowID, api.FlowStateCancelled)

	// Confirming or re-cancelling a terminal flow is a no-op, not an error.
	var confirm api.PerformConfirmSASResponse
	require.NoError(t, engineA.PerformConfirmSAS(ctx, &api.PerformConfirmSASRequest{
		OtherUserID: userID, FlowID: flowID, Matched: true,
	}, &confirm))
	assert.Nil(t, confirm.Error)
	require.NoError(t, engineA.PerformCancelVerification(ctx, &api.PerformCancelVerificationRequest{
		OtherUserID: userID, FlowID: flowID, Code: api.CancelCodeUser,
	}, &cancel))
	assert.Nil(t, cancel.Error)
}

func TestCancelledLocallyEvenWhenTransportDown(t *testing.T) {
	userID := "@alice:localhost"
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)
	keyA := newTestKeyAPI(t, userID, "ALPHA")
	transport := &loopbackTransport{}
	engine := newTestEngine(t, processCtx, userID, "ALPHA", keyA, transport)

	var req api.PerformRequestVerificationResponse
	require.NoError(t, engine.PerformRequestVerification(ctx, &api.PerformRequestVerificationRequest{
		OtherUserID:   userID,
		OtherDeviceID: "BETA",
	}, &req))
	require.Nil(t, req.Error)

	// The transport goes away; cancellation must still take effect
	// locally and the notification keeps retrying in the background.
	transport.fail = true
	var cancel api.PerformCancelVerificationResponse
	require.NoError(t, engine.PerformCancelVerification(ctx, &api.PerformCancelVerificationRequest{
		OtherUserID: userID, FlowID: req.FlowID, Code: api.CancelCodeUser,
	}, &cancel))
	require.Nil(t, cancel.Error)
	found, flow := queryFlow(t, engine, userID, req.FlowID)
	require.True(t, found)
	assert.Equal(t, api.FlowStateCancelled, flow.State)
}

func TestQRVerificationBetweenOwnDevices(t *testing.T) {
	userID := "@alice:localhost"
	engineA, engineB, keyA, _ := twoDeviceSetup(t, userID)
	flowID := requestAndReady(t, engineA, engineB, userID, userID)

	var qr api.PerformGenerateQRResponse
	require.NoError(t, engineA.PerformGenerateQR(ctx, &api.PerformGenerateQRRequest{
		OtherUserID: userID, FlowID: flowID,
	}, &qr))
	require.Nil(t, qr.Error)
	require.NotNil(t, qr.Payload, "generator has a trusted identity, payload must exist")
	require.NotEmpty(t, qr.Encoded)

	// Generating again re-renders the same payload.
	var again api.PerformGenerateQRResponse
	require.NoError(t, engineA.PerformGenerateQR(ctx, &api.PerformGenerateQRRequest{
		OtherUserID: userID, FlowID: flowID,
	}, &again))
	assert.Equal(t, qr.Payload, again.Payload)

	// Scanning hands over the textual form, as a camera would capture it.
	var scan api.PerformScanQRResponse
	require.NoError(t, engineB.PerformScanQR(ctx, &api.PerformScanQRRequest{
		OtherUserID: userID, FlowID: flowID, Encoded: qr.Encoded,
	}, &scan))
	require.Nil(t, scan.Error)
	waitForState(t, engineB, userID, flowID, api.FlowStateQrScanned)
	waitForState(t, engineA, userID, flowID, api.FlowStateQrScanned)

	// The generator's user confirms the peer reported the scan.
	var confirm api.PerformConfirmSASResponse
	require.NoError(t, engineA.PerformConfirmSAS(ctx, &api.PerformConfirmSASRequest{
		OtherUserID: userID, FlowID: flowID, Matched: true,
	}, &confirm))
	require.Nil(t, confirm.Error)

	waitForState(t, engineA, userID, flowID, api.FlowStateDone)
	waitForState(t, engineB, userID, flowID, api.FlowStateDone)

	var trust keyapi.QueryDeviceTrustResponse
	require.NoError(t, keyA.QueryDeviceTrust(ctx, &keyapi.QueryDeviceTrustRequest{
		UserID: userID, DeviceID: "BETA",
	}, &trust))
	assert.True(t, trust.CrossSignedVerified)
}

func TestQRGenerationUnavailableWithoutIdentity(t *testing.T) {
	userID := "@alice:localhost"
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)
	keyA := newTestKeyAPI(t, userID, "ALPHA")
	engine := newTestEngine(t, processCtx, userID, "ALPHA", keyA, &loopbackTransport{})

	// No cross-signing identity: QR degrades to unavailable, not an error.
	payload, err := engine.buildQRPayload(ctx, &verificationFlow{
		FlowID:      "someflow",
		OtherUserID: "@bob:localhost",
	})
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestScanRejectsForeignFlowPayload(t *testing.T) {
	userID := "@alice:localhost"
	engineA, engineB, _, _ := twoDeviceSetup(t, userID)
	flowID := requestAndReady(t, engineA, engineB, userID, userID)

	var qr api.PerformGenerateQRResponse
	require.NoError(t, engineA.PerformGenerateQR(ctx, &api.PerformGenerateQRRequest{
		OtherUserID: userID, FlowID: flowID,
	}, &qr))
	require.Nil(t, qr.Error)
	require.NotNil(t, qr.Payload)

	// Tamper with the flow ID inside the payload.
	decoded, err := decodeQRPayload(qr.Payload)
	require.NoError(t, err)
	decoded.FlowID = "otherflow"
	tampered, err := decoded.encode()
	require.NoError(t, err)

	var scan api.PerformScanQRResponse
	require.NoError(t, engineB.PerformScanQR(ctx, &api.PerformScanQRRequest{
		OtherUserID: userID, FlowID: flowID, Payload: tampered,
	}, &scan))
	require.NotNil(t, scan.Error)
}

func TestFlowsSurviveRestart(t *testing.T) {
	userID := "@alice:localhost"
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)
	keyA := newTestKeyAPI(t, userID, "ALPHA")
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "verifier_test.db"))),
	})
	require.NoError(t, err)
	cfg := &config.Verifier{
		Matrix:          &config.Global{UserID: userID, DeviceID: "ALPHA"},
		FlowTimeout:     time.Minute * 10,
		FlowGracePeriod: time.Minute * 2,
	}
	engine := NewVerifierInternalAPI(processCtx, cfg, db, keyA, &loopbackTransport{}, producers.NewFlowUpdate())

	var req api.PerformRequestVerificationResponse
	require.NoError(t, engine.PerformRequestVerification(ctx, &api.PerformRequestVerificationRequest{
		OtherUserID:   userID,
		OtherDeviceID: "BETA",
	}, &req))
	require.Nil(t, req.Error)

	// A new engine over the same database picks the flow back up.
	restarted := NewVerifierInternalAPI(processCtx, cfg, db, keyA, &loopbackTransport{}, producers.NewFlowUpdate())
	found, flow := queryFlow(t, restarted, userID, req.FlowID)
	require.True(t, found)
	assert.Equal(t, api.FlowStateRequested, flow.State)
	assert.True(t, flow.WeStarted)
}

func TestFlowUpdatesAreBroadcast(t *testing.T) {
	userID := "@alice:localhost"
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)
	keyA := newTestKeyAPI(t, userID, "ALPHA")
	updates := producers.NewFlowUpdate()
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "verifier_test.db"))),
	})
	require.NoError(t, err)
	cfg := &config.Verifier{
		Matrix:          &config.Global{UserID: userID, DeviceID: "ALPHA"},
		FlowTimeout:     time.Minute * 10,
		FlowGracePeriod: time.Minute * 2,
	}
	engine := NewVerifierInternalAPI(processCtx, cfg, db, keyA, &loopbackTransport{}, updates)

	ch, cancelSub := updates.Subscribe()
	defer cancelSub()

	var req api.PerformRequestVerificationResponse
	require.NoError(t, engine.PerformRequestVerification(ctx, &api.PerformRequestVerificationRequest{
		OtherUserID:   userID,
		OtherDeviceID: "BETA",
	}, &req))
	require.Nil(t, req.Error)

	select {
	case update := <-ch:
		assert.Equal(t, req.FlowID, update.Flow.FlowID)
		assert.Equal(t, api.FlowStateRequested, update.Flow.State)
	case <-time.After(time.Second):
		t.Fatal("no flow update received")
	}
}
