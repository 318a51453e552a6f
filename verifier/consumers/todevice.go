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

package consumers

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
)

const verificationEventPrefix = "m.key.verification."

// ToDeviceSource is the transport's feed of decrypted to-device events.
// Each event arrives with its sender already authenticated by the
// transport's decryption layer.
type ToDeviceSource interface {
	SubscribeToDevice() (<-chan api.ToDeviceEvent, func())
}

// ToDeviceConsumer feeds verification events from the transport into the
// engine. It never processes in-line: the engine enqueues per flow.
type ToDeviceConsumer struct {
	process  *process.ProcessContext
	source   ToDeviceSource
	verifier api.VerifierInternalAPI
}

func NewToDeviceConsumer(
	processCtx *process.ProcessContext,
	source ToDeviceSource,
	verifier api.VerifierInternalAPI,
) *ToDeviceConsumer {
	return &ToDeviceConsumer{
		process:  processCtx,
		source:   source,
		verifier: verifier,
	}
}

func (c *ToDeviceConsumer) Start() error {
	events, cancel := c.source.SubscribeToDevice()
	c.process.ComponentStarted()
	go func() {
		defer c.process.ComponentFinished()
		defer cancel()
		for {
			select {
			case <-c.process.WaitForShutdown():
				return
			case event, ok := <-events:
				if !ok {
					logrus.Warn("To-device feed closed, stopping verification consumer")
					return
				}
				if !strings.HasPrefix(event.Type, verificationEventPrefix) {
					continue
				}
				if event.Sender == "" {
					logrus.WithField("type", event.Type).Debug("Dropping verification event without sender")
					continue
				}
				ev := event
				c.verifier.ProcessToDeviceEvent(c.process.Context(), &ev)
			}
		}
	}()
	return nil
}
