package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/bracken/keygate/api"
	"github.com/matrix-org/bracken/keygate/storage"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
)

var ctx = context.Background()

func newTestGate(t *testing.T) *KeyGateInternalAPI {
	t.Helper()
	cfg := &config.KeyGate{
		Database: config.DatabaseOptions{
			ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "keygate_test.db"))),
		},
		ValidityWindow: 10 * time.Minute,
	}
	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		t.Fatalf("Failed to NewDatabase: %s", err)
	}
	return NewKeyGateInternalAPI(process.NewProcessContext(), cfg, db)
}

func mustPark(t *testing.T, g *KeyGateInternalAPI, roomID, sender string, receivedTS int64) {
	t.Helper()
	err := g.PerformParkKeyForward(ctx, &api.PerformParkKeyForwardRequest{
		RoomID:       roomID,
		SenderUserID: sender,
		EventJSON:    json.RawMessage(fmt.Sprintf(`{"session_id":"sess-%d"}`, receivedTS)),
		ReceivedTS:   receivedTS,
	}, &api.PerformParkKeyForwardResponse{})
	if err != nil {
		t.Fatalf("PerformParkKeyForward: %s", err)
	}
}

func mustInvite(t *testing.T, g *KeyGateInternalAPI, roomID, inviter string, inviteTS int64) {
	t.Helper()
	err := g.PerformRecordInvite(ctx, &api.PerformRecordInviteRequest{
		RoomID:        roomID,
		InviterUserID: inviter,
		InviteTS:      inviteTS,
	}, &api.PerformRecordInviteResponse{})
	if err != nil {
		t.Fatalf("PerformRecordInvite: %s", err)
	}
}

func sweep(t *testing.T, g *KeyGateInternalAPI) []api.ReleasedBatch {
	t.Helper()
	var res api.PerformSweepParkedKeysResponse
	if err := g.PerformSweepParkedKeys(ctx, &api.PerformSweepParkedKeysRequest{}, &res); err != nil {
		t.Fatalf("PerformSweepParkedKeys: %s", err)
	}
	return res.Released
}

func parked(t *testing.T, g *KeyGateInternalAPI, roomID, sender string) []api.ParkedKeyForward {
	t.Helper()
	var res api.QueryParkedKeyForwardsResponse
	err := g.QueryParkedKeyForwards(ctx, &api.QueryParkedKeyForwardsRequest{
		RoomID:       roomID,
		SenderUserID: sender,
	}, &res)
	if err != nil {
		t.Fatalf("QueryParkedKeyForwards: %s", err)
	}
	return res.Forwards
}

const (
	room  = "!room:localhost"
	bob   = "@bob:localhost"
	mal   = "@mallory:localhost"
	baseT = int64(1_700_000_000_000)
)

func TestForwardReleasedWhenInviteArrivesWithinWindow(t *testing.T) {
	g := newTestGate(t)

	mustPark(t, g, room, bob, baseT)
	if released := sweep(t, g); len(released) != 0 {
		t.Fatalf("expected nothing released before the invite, got %+v", released)
	}

	// Invite lands nine minutes after the forward.
	mustInvite(t, g, room, bob, baseT+9*time.Minute.Milliseconds())

	released := sweep(t, g)
	if len(released) != 1 {
		t.Fatalf("expected 1 released batch, got %d", len(released))
	}
	batch := released[0]
	if batch.RoomID != room || batch.SenderUserID != bob || len(batch.Forwards) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch.Forwards[0].ReceivedTS != baseT {
		t.Fatalf("unexpected forward in batch: %+v", batch.Forwards[0])
	}

	// The release is exactly-once.
	if released := sweep(t, g); len(released) != 0 {
		t.Fatalf("expected nothing on re-sweep, got %+v", released)
	}
	if rows := parked(t, g, room, bob); len(rows) != 0 {
		t.Fatalf("expected empty bucket after release, got %+v", rows)
	}
}

func TestForwardOutsideWindowStaysParked(t *testing.T) {
	g := newTestGate(t)

	mustPark(t, g, room, bob, baseT)
	// Invite lands eleven minutes after the forward, one minute too late.
	mustInvite(t, g, room, bob, baseT+11*time.Minute.Milliseconds())

	if released := sweep(t, g); len(released) != 0 {
		t.Fatalf("expected nothing released outside the window, got %+v", released)
	}
	if rows := parked(t, g, room, bob); len(rows) != 1 {
		t.Fatalf("expected the forward to stay parked, got %+v", rows)
	}
}

func TestInviteFromDifferentSenderDoesNotRelease(t *testing.T) {
	g := newTestGate(t)

	mustPark(t, g, room, mal, baseT)
	mustInvite(t, g, room, bob, baseT+time.Minute.Milliseconds())

	if released := sweep(t, g); len(released) != 0 {
		t.Fatalf("expected no release for a different sender, got %+v", released)
	}
	if rows := parked(t, g, room, mal); len(rows) != 1 {
		t.Fatalf("expected mallory's forward to stay parked, got %+v", rows)
	}
}

func TestInviteBeforeForwardReleasesWithinWindow(t *testing.T) {
	g := newTestGate(t)

	// Invite first, forward eight minutes later.
	mustInvite(t, g, room, bob, baseT)
	mustPark(t, g, room, bob, baseT+8*time.Minute.Milliseconds())

	released := sweep(t, g)
	if len(released) != 1 || len(released[0].Forwards) != 1 {
		t.Fatalf("expected the forward released in invite-first order, got %+v", released)
	}
}

func TestBucketReleasedAsOneBatch(t *testing.T) {
	g := newTestGate(t)

	mustPark(t, g, room, bob, baseT)
	mustPark(t, g, room, bob, baseT+time.Minute.Milliseconds())
	mustPark(t, g, room, bob, baseT+2*time.Minute.Milliseconds())
	mustInvite(t, g, room, bob, baseT+3*time.Minute.Milliseconds())

	released := sweep(t, g)
	if len(released) != 1 {
		t.Fatalf("expected a single batch, got %d", len(released))
	}
	if len(released[0].Forwards) != 3 {
		t.Fatalf("expected all 3 forwards in the batch, got %d", len(released[0].Forwards))
	}
	if released := sweep(t, g); len(released) != 0 {
		t.Fatalf("expected nothing on re-sweep, got %+v", released)
	}
}

func TestEarliestInviteBoundsTheWindow(t *testing.T) {
	g := newTestGate(t)

	mustPark(t, g, room, bob, baseT)
	// A later re-invite must not reopen the window for an old forward.
	mustInvite(t, g, room, bob, baseT+2*time.Minute.Milliseconds())
	mustInvite(t, g, room, bob, baseT+30*time.Minute.Milliseconds())

	released := sweep(t, g)
	if len(released) != 1 || len(released[0].Forwards) != 1 {
		t.Fatalf("expected release against the earliest invite mark, got %+v", released)
	}
}
