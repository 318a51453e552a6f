package consumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
)

type recordingVerifier struct {
	api.VerifierInternalAPI
	mu     sync.Mutex
	events []api.ToDeviceEvent
}

func (r *recordingVerifier) ProcessToDeviceEvent(ctx context.Context, event *api.ToDeviceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
}

func (r *recordingVerifier) seen() []api.ToDeviceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.ToDeviceEvent{}, r.events...)
}

type channelSource struct {
	ch chan api.ToDeviceEvent
}

func (s *channelSource) SubscribeToDevice() (<-chan api.ToDeviceEvent, func()) {
	return s.ch, func() {}
}

func TestConsumerFiltersNonVerificationEvents(t *testing.T) {
	processCtx := process.NewProcessContext()
	defer processCtx.Shutdown()
	source := &channelSource{ch: make(chan api.ToDeviceEvent, 8)}
	verifier := &recordingVerifier{}

	consumer := NewToDeviceConsumer(processCtx, source, verifier)
	if err := consumer.Start(); err != nil {
		t.Fatalf("Start: %s", err)
	}

	source.ch <- api.ToDeviceEvent{Type: "m.room_key", Sender: "@bob:localhost"}
	source.ch <- api.ToDeviceEvent{Type: "m.key.verification.request", Sender: ""}
	source.ch <- api.ToDeviceEvent{Type: "m.key.verification.request", Sender: "@bob:localhost"}

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if len(verifier.seen()) > 0 {
			break
		}
		time.Sleep(time.Millisecond * 10)
	}

	seen := verifier.seen()
	if len(seen) != 1 {
		t.Fatalf("expected exactly 1 event to reach the engine, got %d", len(seen))
	}
	if seen[0].Type != "m.key.verification.request" || seen[0].Sender != "@bob:localhost" {
		t.Fatalf("unexpected event: %+v", seen[0])
	}
}
