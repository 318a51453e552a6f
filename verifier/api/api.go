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

package api

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/bracken/internal/canonical"
)

// VerifierInternalAPI drives interactive device verification flows.
type VerifierInternalAPI interface {
	// PerformRequestVerification opens a new flow towards another device
	// and sends the verification request.
	PerformRequestVerification(ctx context.Context, req *PerformRequestVerificationRequest, res *PerformRequestVerificationResponse) error
	// PerformReadyVerification accepts an incoming request, advertising
	// the methods this end supports.
	PerformReadyVerification(ctx context.Context, req *PerformReadyVerificationRequest, res *PerformReadyVerificationResponse) error
	// PerformStartSAS begins the short-authentication-string branch of a
	// ready flow.
	PerformStartSAS(ctx context.Context, req *PerformStartSASRequest, res *PerformStartSASResponse) error
	// PerformConfirmSAS records the user's judgement of the displayed
	// short code. A mismatch cancels the flow on both sides.
	PerformConfirmSAS(ctx context.Context, req *PerformConfirmSASRequest, res *PerformConfirmSASResponse) error
	// PerformGenerateQR returns the QR payload for a ready flow, or a nil
	// payload when this end cannot produce one.
	PerformGenerateQR(ctx context.Context, req *PerformGenerateQRRequest, res *PerformGenerateQRResponse) error
	// PerformScanQR ingests a payload scanned from the peer's screen.
	PerformScanQR(ctx context.Context, req *PerformScanQRRequest, res *PerformScanQRResponse) error
	// PerformCancelVerification cancels a flow. Cancelling a flow that is
	// already terminal is a no-op.
	PerformCancelVerification(ctx context.Context, req *PerformCancelVerificationRequest, res *PerformCancelVerificationResponse) error
	// QueryVerificationFlow returns the current state of a flow.
	QueryVerificationFlow(ctx context.Context, req *QueryVerificationFlowRequest, res *QueryVerificationFlowResponse) error
	// ProcessToDeviceEvent feeds one incoming verification event into the
	// flow it belongs to. Unknown flows and stale events are dropped.
	ProcessToDeviceEvent(ctx context.Context, event *ToDeviceEvent)
}

// Transport sends verification events to the peer's devices. Implemented
// by the sync layer.
type Transport interface {
	SendToDevice(ctx context.Context, userID, deviceID string, event *ToDeviceEvent) error
}

// FlowState is the lifecycle position of a verification flow.
type FlowState string

const (
	FlowStateRequested         FlowState = "requested"
	FlowStateReady             FlowState = "ready"
	FlowStateSasStarted        FlowState = "sas_started"
	FlowStateShortCodeAccepted FlowState = "short_code_accepted"
	FlowStateQrScanned         FlowState = "qr_scanned"
	FlowStateConfirmed         FlowState = "confirmed"
	FlowStateDone              FlowState = "done"
	FlowStateCancelled         FlowState = "cancelled"
)

// IsTerminal reports whether a flow in this state absorbs all further
// transitions as no-ops.
func (s FlowState) IsTerminal() bool {
	return s == FlowStateDone || s == FlowStateCancelled
}

// Method tags which verification branch a flow is using.
type Method string

const (
	MethodSAS Method = "m.sas.v1"
	MethodQR  Method = "m.qr_code.scan.v1"
)

// CancelCode explains why a flow was cancelled.
type CancelCode string

const (
	CancelCodeUser               CancelCode = "m.user"
	CancelCodeTimeout            CancelCode = "m.timeout"
	CancelCodeUnexpectedMessage  CancelCode = "m.unexpected_message"
	CancelCodeMismatchedSAS      CancelCode = "m.mismatched_sas"
	CancelCodeMismatchedCommit   CancelCode = "m.mismatched_commitment"
	CancelCodeKeyMismatch        CancelCode = "m.key_mismatch"
	CancelCodeInvalidMessage     CancelCode = "m.invalid_message"
	CancelCodeUnknownMethod      CancelCode = "m.unknown_method"
	CancelCodeUnknownTransaction CancelCode = "m.unknown_transaction"
)

// Event types carried over the to-device channel.
const (
	EventTypeRequest = "m.key.verification.request"
	EventTypeReady   = "m.key.verification.ready"
	EventTypeStart   = "m.key.verification.start"
	EventTypeKey     = "m.key.verification.key"
	EventTypeMAC     = "m.key.verification.mac"
	EventTypeDone    = "m.key.verification.done"
	EventTypeCancel  = "m.key.verification.cancel"
)

// ToDeviceEvent is one verification message on the wire.
type ToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type RequestContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []Method `json:"methods"`
	Timestamp     int64    `json:"timestamp"`
}

type ReadyContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []Method `json:"methods"`
}

type StartContent struct {
	FromDevice    string `json:"from_device"`
	TransactionID string `json:"transaction_id"`
	Method        Method `json:"method"`

	// SAS negotiation parameters.
	KeyAgreementProtocol string   `json:"key_agreement_protocol,omitempty"`
	Hash                 string   `json:"hash,omitempty"`
	MessageAuthCode      string   `json:"message_authentication_code,omitempty"`
	ShortAuthStrings     []string `json:"short_authentication_string,omitempty"`
	// Commitment binds the starter to its ephemeral key before it has
	// seen the responder's.
	Commitment string `json:"commitment,omitempty"`

	// Secret proves possession of the scanned QR payload on the
	// reciprocate branch.
	Secret canonical.Base64Bytes `json:"secret,omitempty"`
}

type KeyContent struct {
	TransactionID string                `json:"transaction_id"`
	Key           canonical.Base64Bytes `json:"key"`
}

type MACContent struct {
	TransactionID string                           `json:"transaction_id"`
	MAC           map[string]canonical.Base64Bytes `json:"mac"`
	Keys          canonical.Base64Bytes            `json:"keys"`
}

type DoneContent struct {
	TransactionID string `json:"transaction_id"`
}

type CancelContent struct {
	TransactionID string     `json:"transaction_id"`
	Code          CancelCode `json:"code"`
	Reason        string     `json:"reason"`
}

// VerificationError is returned in responses for expected failures.
type VerificationError struct {
	Err string `json:"error"`
}

func (v *VerificationError) Error() string {
	return v.Err
}

type PerformRequestVerificationRequest struct {
	OtherUserID   string   `json:"other_user_id"`
	OtherDeviceID string   `json:"other_device_id"`
	Methods       []Method `json:"methods"`
}

type PerformRequestVerificationResponse struct {
	FlowID string             `json:"flow_id"`
	Error  *VerificationError `json:"error,omitempty"`
}

type PerformReadyVerificationRequest struct {
	OtherUserID string   `json:"other_user_id"`
	FlowID      string   `json:"flow_id"`
	Methods     []Method `json:"methods"`
}

type PerformReadyVerificationResponse struct {
	Error *VerificationError `json:"error,omitempty"`
}

type PerformStartSASRequest struct {
	OtherUserID string `json:"other_user_id"`
	FlowID      string `json:"flow_id"`
}

type PerformStartSASResponse struct {
	Error *VerificationError `json:"error,omitempty"`
}

type PerformConfirmSASRequest struct {
	OtherUserID string `json:"other_user_id"`
	FlowID      string `json:"flow_id"`
	// Matched is the user's answer to "do the codes match?".
	Matched bool `json:"matched"`
}

type PerformConfirmSASResponse struct {
	Error *VerificationError `json:"error,omitempty"`
}

type PerformGenerateQRRequest struct {
	OtherUserID string `json:"other_user_id"`
	FlowID      string `json:"flow_id"`
}

type PerformGenerateQRResponse struct {
	// Payload is nil when QR generation is unavailable for this flow,
	// which is not an error.
	Payload []byte `json:"payload,omitempty"`
	// Encoded is the base58 textual form of Payload.
	Encoded string             `json:"encoded,omitempty"`
	Error   *VerificationError `json:"error,omitempty"`
}

type PerformScanQRRequest struct {
	OtherUserID string `json:"other_user_id"`
	FlowID      string `json:"flow_id"`
	// Payload is the raw scanned bytes. Encoded may carry the base58
	// textual form instead, as produced by PerformGenerateQR.
	Payload []byte `json:"payload,omitempty"`
	Encoded string `json:"encoded,omitempty"`
}

type PerformScanQRResponse struct {
	Error *VerificationError `json:"error,omitempty"`
}

type PerformCancelVerificationRequest struct {
	OtherUserID string     `json:"other_user_id"`
	FlowID      string     `json:"flow_id"`
	Code        CancelCode `json:"code"`
	Reason      string     `json:"reason"`
}

type PerformCancelVerificationResponse struct {
	Error *VerificationError `json:"error,omitempty"`
}

type QueryVerificationFlowRequest struct {
	OtherUserID string `json:"other_user_id"`
	FlowID      string `json:"flow_id"`
}

type QueryVerificationFlowResponse struct {
	Found bool `json:"found"`
	Flow  Flow `json:"flow"`
}

// Flow is the externally visible state of a verification flow.
type Flow struct {
	FlowID        string     `json:"flow_id"`
	OtherUserID   string     `json:"other_user_id"`
	OtherDeviceID string     `json:"other_device_id"`
	State         FlowState  `json:"state"`
	Method        Method     `json:"method,omitempty"`
	WeStarted     bool       `json:"we_started"`
	CancelCode    CancelCode `json:"cancel_code,omitempty"`
	// ShortCodeDecimal and ShortCodeEmoji are set while the flow waits
	// for the user to compare codes.
	ShortCodeDecimal []uint16 `json:"short_code_decimal,omitempty"`
	ShortCodeEmoji   []string `json:"short_code_emoji,omitempty"`
	CreatedTS        int64    `json:"created_ts"`
}

// FlowUpdate is broadcast to subscribers on every state transition.
type FlowUpdate struct {
	Flow Flow `json:"flow"`
}
