package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/keystore"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
	"github.com/matrix-org/bracken/verifier/producers"
)

// feedSource is a channel-backed stand-in for the sync layer's to-device
// feed.
type feedSource struct {
	ch chan api.ToDeviceEvent
}

func (s *feedSource) SubscribeToDevice() (<-chan api.ToDeviceEvent, func()) {
	return s.ch, func() {}
}

type nopTransport struct{}

func (nopTransport) SendToDevice(ctx context.Context, userID, deviceID string, event *api.ToDeviceEvent) error {
	return nil
}

func testDB(t *testing.T, name string) config.DatabaseOptions {
	t.Helper()
	return config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), name))),
	}
}

// Events posted into the feed must surface as flows without anything
// calling the engine directly.
func TestNewInternalAPIConsumesToDeviceFeed(t *testing.T) {
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.Shutdown)
	ctx := context.Background()

	global := &config.Global{UserID: "@alice:localhost", DeviceID: "ALPHA"}
	caches, err := caching.NewRistrettoCache(8*caching.MB, time.Hour, false)
	require.NoError(t, err)
	keyAPI := keystore.NewInternalAPI(&config.KeyStore{
		Matrix:   global,
		Database: testDB(t, "keystore_test.db"),
	}, caches, nil, nil)

	source := &feedSource{ch: make(chan api.ToDeviceEvent, 1)}
	engine := NewInternalAPI(processCtx, &config.Verifier{
		Matrix:          global,
		Database:        testDB(t, "verifier_test.db"),
		FlowTimeout:     time.Minute * 10,
		FlowGracePeriod: time.Minute * 2,
	}, keyAPI, nopTransport{}, source, producers.NewFlowUpdate())

	content, err := json.Marshal(api.RequestContent{
		FromDevice:    "BETA",
		TransactionID: "feedflow",
		Methods:       []api.Method{api.MethodSAS},
		Timestamp:     time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	source.ch <- api.ToDeviceEvent{
		Sender:  "@bob:localhost",
		Type:    api.EventTypeRequest,
		Content: content,
	}

	deadline := time.Now().Add(time.Second * 5)
	for {
		var res api.QueryVerificationFlowResponse
		require.NoError(t, engine.QueryVerificationFlow(ctx, &api.QueryVerificationFlowRequest{
			OtherUserID: "@bob:localhost",
			FlowID:      "feedflow",
		}, &res))
		if res.Found {
			require.Equal(t, api.FlowStateRequested, res.Flow.State)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("flow never appeared from the to-device feed")
		}
		time.Sleep(time.Millisecond * 10)
	}
}
