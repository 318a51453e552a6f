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

package producers

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/verifier/api"
)

const subscriberBuffer = 16

// FlowUpdate fans out flow state transitions to UI subscribers. Sends
// never block the engine: a subscriber whose buffer is full misses the
// update and is expected to re-query the flow.
type FlowUpdate struct {
	mu          sync.Mutex
	subscribers map[chan api.FlowUpdate]struct{}
}

func NewFlowUpdate() *FlowUpdate {
	return &FlowUpdate{
		subscribers: make(map[chan api.FlowUpdate]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must
// be called exactly once; the channel is closed by it.
func (p *FlowUpdate) Subscribe() (<-chan api.FlowUpdate, func()) {
	ch := make(chan api.FlowUpdate, subscriberBuffer)
	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subscribers, ch)
		p.mu.Unlock()
		close(ch)
	}
}

// ProduceFlowUpdate delivers the update to every subscriber that has room.
func (p *FlowUpdate) ProduceFlowUpdate(flow api.Flow) {
	update := api.FlowUpdate{Flow: flow}
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subscribers {
		select {
		case ch <- update:
		default:
			logrus.WithFields(logrus.Fields{
				"flow_id": flow.FlowID,
				"state":   flow.State,
			}).Warn("Dropping flow update for slow subscriber")
		}
	}
}
