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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrix-org/bracken/internal/httputil"
	verifierAPI "github.com/matrix-org/bracken/verifier/api"
)

// syncAgentTransport hands outbound work to the sync agent over HTTP. The
// agent owns the homeserver connection; inbound to-device traffic comes
// back the other way through the receive endpoint and is queued for the
// verification consumer.
type syncAgentTransport struct {
	baseURL    string
	httpClient *http.Client
	inbound    chan verifierAPI.ToDeviceEvent
}

func newSyncAgentTransport(baseURL string, httpClient *http.Client) *syncAgentTransport {
	return &syncAgentTransport{
		baseURL:    baseURL,
		httpClient: httpClient,
		inbound:    make(chan verifierAPI.ToDeviceEvent, 64),
	}
}

// SubscribeToDevice hands the inbound feed to the verification consumer.
// The feed has exactly one consumer, so cancellation is a no-op.
func (t *syncAgentTransport) SubscribeToDevice() (<-chan verifierAPI.ToDeviceEvent, func()) {
	return t.inbound, func() {}
}

type receiveToDeviceRequest struct {
	Event verifierAPI.ToDeviceEvent `json:"event"`
}

// AddInboundRoutes registers the endpoint the sync agent POSTs decrypted
// to-device events to. Events are queued for the verification consumer
// rather than processed in-line.
func (t *syncAgentTransport) AddInboundRoutes(router *mux.Router) {
	router.Handle("/transport/receiveToDevice", httputil.MakeInternalRPCAPI(
		"TransportReceiveToDevice",
		func(ctx context.Context, req *receiveToDeviceRequest, res *struct{}) error {
			select {
			case t.inbound <- req.Event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	))
}

func (t *syncAgentTransport) post(ctx context.Context, path string, body any) error {
	if t.baseURL == "" {
		return fmt.Errorf("no sync agent configured")
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync agent returned HTTP %d for %s", resp.StatusCode, path)
	}
	return nil
}

func (t *syncAgentTransport) SendToDevice(ctx context.Context, userID, deviceID string, event *verifierAPI.ToDeviceEvent) error {
	return t.post(ctx, "/sendToDevice", struct {
		UserID   string                     `json:"user_id"`
		DeviceID string                     `json:"device_id"`
		Event    *verifierAPI.ToDeviceEvent `json:"event"`
	}{userID, deviceID, event})
}

func (t *syncAgentTransport) RefreshDeviceList(ctx context.Context, userID string) error {
	return t.post(ctx, "/refreshDeviceList", struct {
		UserID string `json:"user_id"`
	}{userID})
}

func (t *syncAgentTransport) UploadSignatures(ctx context.Context, userID string, keyID string, signedJSON []byte) error {
	return t.post(ctx, "/uploadSignatures", struct {
		UserID     string          `json:"user_id"`
		KeyID      string          `json:"key_id"`
		SignedJSON json.RawMessage `json:"signed_json"`
	}{userID, keyID, signedJSON})
}
