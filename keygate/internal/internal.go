// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/keygate/api"
	"github.com/matrix-org/bracken/keygate/storage"
	"github.com/matrix-org/bracken/keygate/storage/tables"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
)

var (
	forwardsParked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bracken",
			Subsystem: "keygate",
			Name:      "forwards_parked_total",
			Help:      "Number of unrequested key forwards parked.",
		},
	)
	forwardsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bracken",
			Subsystem: "keygate",
			Name:      "forwards_released_total",
			Help:      "Number of parked key forwards released to the session store.",
		},
	)
	forwardsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bracken",
			Subsystem: "keygate",
			Name:      "forwards_expired_total",
			Help:      "Number of parked key forwards purged without a matching invite.",
		},
	)
)

func init() {
	prometheus.MustRegister(forwardsParked, forwardsReleased, forwardsExpired)
}

const expirySweepInterval = time.Minute

// KeyGateInternalAPI decides when an unrequested room-key forward may be
// handed to the session store. Forwards are parked per (room, sender)
// bucket; a bucket is released when an invite from the same sender lands
// within the validity window of the forward, in either arrival order.
type KeyGateInternalAPI struct {
	Cfg     *config.KeyGate
	DB      storage.Database
	Process *process.ProcessContext

	// bucketToMutex map from bucket key to mutex. Used to ensure only one
	// goroutine modifies a bucket at a time.
	bucketToMutex map[string]*sync.Mutex
	mu            *sync.Mutex // protects dirty reads/writes on bucketToMutex
}

func NewKeyGateInternalAPI(
	processCtx *process.ProcessContext, cfg *config.KeyGate, db storage.Database,
) *KeyGateInternalAPI {
	g := &KeyGateInternalAPI{
		Cfg:           cfg,
		DB:            db,
		Process:       processCtx,
		bucketToMutex: make(map[string]*sync.Mutex),
		mu:            &sync.Mutex{},
	}
	go g.expiryLoop()
	return g
}

func (g *KeyGateInternalAPI) mutex(bucketKey string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bucketToMutex[bucketKey] == nil {
		g.bucketToMutex[bucketKey] = &sync.Mutex{}
	}
	return g.bucketToMutex[bucketKey]
}

func bucketKey(roomID, senderUserID string) string {
	return roomID + "|" + senderUserID
}

func (g *KeyGateInternalAPI) windowMillis() int64 {
	return int64(g.Cfg.ValidityWindow / time.Millisecond)
}

// PerformParkKeyForward parks a forward under its (room, sender) bucket.
// The stored timestamp is when the forward was received, not when it is
// processed, so the window cannot be stretched by a slow sync loop.
func (g *KeyGateInternalAPI) PerformParkKeyForward(
	ctx context.Context, req *api.PerformParkKeyForwardRequest, res *api.PerformParkKeyForwardResponse,
) error {
	mu := g.mutex(bucketKey(req.RoomID, req.SenderUserID))
	mu.Lock()
	defer mu.Unlock()
	err := g.DB.ParkKeyForward(ctx, tables.ParkedForwardRow{
		RoomID:       req.RoomID,
		SenderUserID: req.SenderUserID,
		EventJSON:    req.EventJSON,
		ReceivedTS:   req.ReceivedTS,
	})
	if err != nil {
		return err
	}
	forwardsParked.Inc()
	return nil
}

// PerformRecordInvite marks when a room became relevant because of an
// invite. Re-recording with a later timestamp is a no-op: only the
// earliest mark per (room, inviter) counts.
func (g *KeyGateInternalAPI) PerformRecordInvite(
	ctx context.Context, req *api.PerformRecordInviteRequest, res *api.PerformRecordInviteResponse,
) error {
	mu := g.mutex(bucketKey(req.RoomID, req.InviterUserID))
	mu.Lock()
	defer mu.Unlock()
	return g.DB.RecordInvite(ctx, req.RoomID, req.InviterUserID, req.InviteTS)
}

// PerformSweepParkedKeys joins parked buckets against invite marks and
// releases every forward whose receipt time is within the validity window
// of the bucket's invite. Buckets without an invite mark stay pending.
// Releases are exactly-once: the rows are deleted in the same transaction
// that reads them.
func (g *KeyGateInternalAPI) PerformSweepParkedKeys(
	ctx context.Context, req *api.PerformSweepParkedKeysRequest, res *api.PerformSweepParkedKeysResponse,
) error {
	buckets, err := g.DB.ParkedBuckets(ctx)
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		batch, err := g.sweepBucket(ctx, bucket)
		if err != nil {
			return err
		}
		if batch != nil {
			res.Released = append(res.Released, *batch)
		}
	}
	return nil
}

func (g *KeyGateInternalAPI) sweepBucket(ctx context.Context, bucket tables.Bucket) (*api.ReleasedBatch, error) {
	mu := g.mutex(bucketKey(bucket.RoomID, bucket.SenderUserID))
	mu.Lock()
	defer mu.Unlock()
	inviteTS, ok, err := g.DB.InviteMark(ctx, bucket.RoomID, bucket.SenderUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// No invite yet. The bucket stays parked until one arrives or
		// the forwards expire.
		return nil, nil
	}
	released, err := g.DB.ReleaseBucketWithin(ctx, bucket.RoomID, bucket.SenderUserID, inviteTS, g.windowMillis())
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}
	forwardsReleased.Add(float64(len(released)))
	batch := &api.ReleasedBatch{
		RoomID:       bucket.RoomID,
		SenderUserID: bucket.SenderUserID,
	}
	for _, row := range released {
		batch.Forwards = append(batch.Forwards, api.ParkedKeyForward{
			RoomID:       row.RoomID,
			SenderUserID: row.SenderUserID,
			EventJSON:    row.EventJSON,
			ReceivedTS:   row.ReceivedTS,
		})
	}
	return batch, nil
}

// QueryParkedKeyForwards returns what is currently parked for a bucket.
func (g *KeyGateInternalAPI) QueryParkedKeyForwards(
	ctx context.Context, req *api.QueryParkedKeyForwardsRequest, res *api.QueryParkedKeyForwardsResponse,
) error {
	rows, err := g.DB.ParkedForwards(ctx, req.RoomID, req.SenderUserID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		res.Forwards = append(res.Forwards, api.ParkedKeyForward{
			RoomID:       row.RoomID,
			SenderUserID: row.SenderUserID,
			EventJSON:    row.EventJSON,
			ReceivedTS:   row.ReceivedTS,
		})
	}
	return nil
}

// expiryLoop purges forwards and invite marks that can no longer match.
// A future invite always carries a timestamp of at least "now", so once a
// forward is older than the window no invite can release it. Twice the
// window is kept as slack for clock skew between clients.
func (g *KeyGateInternalAPI) expiryLoop() {
	g.Process.ComponentStarted()
	defer g.Process.ComponentFinished()
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.Process.Context().Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().UnixNano()/int64(time.Millisecond) - 2*g.windowMillis()
		purged, err := g.DB.PurgeExpired(g.Process.Context(), cutoff)
		if err != nil {
			logrus.WithError(err).Error("Failed to purge expired key forwards")
			continue
		}
		if purged > 0 {
			forwardsExpired.Add(float64(purged))
			logrus.WithField("purged", purged).Debug("Purged expired key forwards")
		}
	}
}
