package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/matrix-org/bracken/keygate/storage/tables"
	"github.com/matrix-org/bracken/setup/config"
)

var ctx = context.Background()

func MustCreateDatabase(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "keygate_test.db"))),
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

func forwardRow(roomID, sender string, receivedTS int64) tables.ParkedForwardRow {
	return tables.ParkedForwardRow{
		RoomID:       roomID,
		SenderUserID: sender,
		EventJSON:    []byte(fmt.Sprintf(`{"room_id":%q,"ts":%d}`, roomID, receivedTS)),
		ReceivedTS:   receivedTS,
	}
}

func TestParkAndQueryForwards(t *testing.T) {
	db := MustCreateDatabase(t)

	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 1000)))
	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 3000)))
	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!other:localhost", "@bob:localhost", 2000)))

	rows, err := db.ParkedForwards(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if len(rows) != 2 {
		t.Fatalf("expected 2 forwards, got %d", len(rows))
	}
	// Rows come back ordered by receipt time.
	if rows[0].ReceivedTS != 1000 || rows[1].ReceivedTS != 3000 {
		t.Fatalf("unexpected ordering: %+v", rows)
	}

	buckets, err := db.ParkedBuckets(ctx)
	MustNotError(t, err)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
}

func TestInviteMarkKeepsEarliest(t *testing.T) {
	db := MustCreateDatabase(t)

	MustNotError(t, db.RecordInvite(ctx, "!room:localhost", "@bob:localhost", 5000))
	MustNotError(t, db.RecordInvite(ctx, "!room:localhost", "@bob:localhost", 9000))

	ts, ok, err := db.InviteMark(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if !ok || ts != 5000 {
		t.Fatalf("expected earliest mark 5000, got %d (ok=%v)", ts, ok)
	}

	// An earlier re-record wins.
	MustNotError(t, db.RecordInvite(ctx, "!room:localhost", "@bob:localhost", 2000))
	ts, ok, err = db.InviteMark(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if !ok || ts != 2000 {
		t.Fatalf("expected earliest mark 2000, got %d (ok=%v)", ts, ok)
	}

	_, ok, err = db.InviteMark(ctx, "!room:localhost", "@nobody:localhost")
	MustNotError(t, err)
	if ok {
		t.Fatalf("expected no mark for unknown inviter")
	}
}

func TestReleaseBucketWithinIsExactlyOnce(t *testing.T) {
	db := MustCreateDatabase(t)

	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 1000)))
	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 2000)))

	released, err := db.ReleaseBucketWithin(ctx, "!room:localhost", "@bob:localhost", 1500, 10000)
	MustNotError(t, err)
	if len(released) != 2 {
		t.Fatalf("expected 2 released forwards, got %d", len(released))
	}

	// A second release returns nothing.
	released, err = db.ReleaseBucketWithin(ctx, "!room:localhost", "@bob:localhost", 1500, 10000)
	MustNotError(t, err)
	if len(released) != 0 {
		t.Fatalf("expected nothing on second release, got %d", len(released))
	}
}

func TestReleaseBucketWithinKeepsOutOfWindowForwards(t *testing.T) {
	db := MustCreateDatabase(t)

	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 1000)))
	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 50000)))

	released, err := db.ReleaseBucketWithin(ctx, "!room:localhost", "@bob:localhost", 2000, 5000)
	MustNotError(t, err)
	if len(released) != 1 || released[0].ReceivedTS != 1000 {
		t.Fatalf("expected only the in-window forward, got %+v", released)
	}

	rows, err := db.ParkedForwards(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if len(rows) != 1 || rows[0].ReceivedTS != 50000 {
		t.Fatalf("expected the out-of-window forward to stay parked, got %+v", rows)
	}
}

func TestPurgeExpired(t *testing.T) {
	db := MustCreateDatabase(t)

	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 1000)))
	MustNotError(t, db.ParkKeyForward(ctx, forwardRow("!room:localhost", "@bob:localhost", 9000)))
	MustNotError(t, db.RecordInvite(ctx, "!room:localhost", "@bob:localhost", 1000))

	purged, err := db.PurgeExpired(ctx, 5000)
	MustNotError(t, err)
	if purged != 1 {
		t.Fatalf("expected 1 purged forward, got %d", purged)
	}

	rows, err := db.ParkedForwards(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if len(rows) != 1 || rows[0].ReceivedTS != 9000 {
		t.Fatalf("expected only the newer forward to survive, got %+v", rows)
	}

	_, ok, err := db.InviteMark(ctx, "!room:localhost", "@bob:localhost")
	MustNotError(t, err)
	if ok {
		t.Fatalf("expected the stale invite mark to be purged")
	}
}
