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

	"github.com/Arceliar/phony"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	keyapi "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
	"github.com/matrix-org/bracken/verifier/producers"
	"github.com/matrix-org/bracken/verifier/storage"
)

// VerifierInternalAPI runs the verification flows. Each flow has its own
// inbox; all reads and writes of a flow's state happen inside it, so
// independent flows never block each other and the receive path only
// enqueues.
type VerifierInternalAPI struct {
	Cfg       *config.Verifier
	DB        storage.Database
	KeyAPI    keyapi.KeyStoreInternalAPI
	Transport api.Transport
	Updates   *producers.FlowUpdate
	Process   *process.ProcessContext

	workers sync.Map // flow key -> *phony.Inbox
	flows   sync.Map // flow key -> *verificationFlow
	// finished keeps terminal flows queryable for the grace period.
	finished *gocache.Cache
}

func NewVerifierInternalAPI(
	processCtx *process.ProcessContext,
	cfg *config.Verifier,
	db storage.Database,
	keyAPI keyapi.KeyStoreInternalAPI,
	transport api.Transport,
	updates *producers.FlowUpdate,
) *VerifierInternalAPI {
	v := &VerifierInternalAPI{
		Cfg:       cfg,
		DB:        db,
		KeyAPI:    keyAPI,
		Transport: transport,
		Updates:   updates,
		Process:   processCtx,
		finished:  gocache.New(cfg.FlowGracePeriod, cfg.FlowGracePeriod),
	}
	v.restoreActiveFlows()
	go v.expiryLoop()
	return v
}

func (v *VerifierInternalAPI) localUserID() string   { return v.Cfg.Matrix.UserID }
func (v *VerifierInternalAPI) localDeviceID() string { return v.Cfg.Matrix.DeviceID }

func flowKey(otherUserID, flowID string) string {
	return otherUserID + "|" + flowID
}

func (v *VerifierInternalAPI) inboxFor(key string) *phony.Inbox {
	inbox, _ := v.workers.LoadOrStore(key, &phony.Inbox{})
	return inbox.(*phony.Inbox)
}

// withFlow runs f inside the flow's inbox and waits for it to finish. The
// flow pointer is nil if no live flow exists for the key.
func (v *VerifierInternalAPI) withFlow(otherUserID, flowID string, f func(*verificationFlow)) {
	key := flowKey(otherUserID, flowID)
	phony.Block(v.inboxFor(key), func() {
		var flow *verificationFlow
		if val, ok := v.flows.Load(key); ok {
			flow = val.(*verificationFlow)
		} else if val, ok := v.finished.Get(key); ok {
			// Recently finished flows still absorb calls as no-ops.
			flow = val.(*verificationFlow)
		}
		f(flow)
	})
}

func (v *VerifierInternalAPI) restoreActiveFlows() {
	ctx := v.Process.Context()
	rows, err := v.DB.ActiveFlows(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to restore verification flows")
		return
	}
	for _, row := range rows {
		flow, err := flowFromRow(row)
		if err != nil {
			logrus.WithError(err).WithField("flow_id", row.FlowID).Error("Dropping undecodable verification flow")
			continue
		}
		v.flows.Store(flowKey(flow.OtherUserID, flow.FlowID), flow)
	}
	if len(rows) > 0 {
		logrus.WithField("count", len(rows)).Info("Restored in-progress verification flows")
	}
}

// expiryLoop cancels flows that outlived the flow timeout and purges
// long-terminal rows from the database.
func (v *VerifierInternalAPI) expiryLoop() {
	v.Process.ComponentStarted()
	defer v.Process.ComponentFinished()
	ticker := time.NewTicker(time.Second * 30)
	defer ticker.Stop()
	for {
		select {
		case <-v.Process.WaitForShutdown():
			return
		case <-ticker.C:
		}
		now := time.Now()
		v.flows.Range(func(key, val any) bool {
			flow := val.(*verificationFlow)
			if now.Sub(time.UnixMilli(flow.CreatedTS)) <= v.Cfg.FlowTimeout {
				return true
			}
			otherUserID, flowID := flow.OtherUserID, flow.FlowID
			v.withFlow(otherUserID, flowID, func(f *verificationFlow) {
				if f == nil || f.State.IsTerminal() {
					return
				}
				v.cancelFlow(v.Process.Context(), f, api.CancelCodeTimeout, "flow timed out", true)
			})
			return true
		})
		cutoff := now.Add(-v.Cfg.FlowTimeout - v.Cfg.FlowGracePeriod).UnixMilli()
		if err := v.DB.DeleteTerminalFlowsBefore(v.Process.Context(), cutoff); err != nil {
			logrus.WithError(err).Error("Failed to purge finished verification flows")
		}
	}
}

// persist snapshots the flow. Persistence failures are logged rather than
// surfaced: the in-memory state is authoritative for a running process.
func (v *VerifierInternalAPI) persist(ctx context.Context, f *verificationFlow) {
	row, err := f.row()
	if err == nil {
		err = v.DB.StoreFlow(ctx, row)
	}
	if err != nil {
		logrus.WithError(err).WithField("flow_id", f.FlowID).Error("Failed to persist verification flow")
	}
}

// transition moves the flow to a new state, persists it and notifies
// subscribers. A terminal transition retires the flow into the grace cache.
func (v *VerifierInternalAPI) transition(ctx context.Context, f *verificationFlow, state api.FlowState) {
	f.State = state
	v.persist(ctx, f)
	if state.IsTerminal() {
		key := flowKey(f.OtherUserID, f.FlowID)
		v.flows.Delete(key)
		v.workers.Delete(key)
		v.finished.Set(key, f, gocache.DefaultExpiration)
	}
	v.Updates.ProduceFlowUpdate(f.public())
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// Flow IDs double as to-device transaction IDs, so they need to be
// unique per peer device rather than globally secret.
func newFlowID() string {
	return uuid.NewString()
}
