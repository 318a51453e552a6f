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
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/verifier/api"
)

// canonicalStartPayload reproduces the canonical bytes the starter signed
// into its commitment: the start payload without the commitment itself.
func canonicalStartPayload(start *api.StartContent) ([]byte, error) {
	blob, err := json.Marshal(start)
	if err != nil {
		return nil, err
	}
	for _, excluded := range []string{"commitment", "secret"} {
		if blob, err = sjson.DeleteBytes(blob, excluded); err != nil {
			return nil, err
		}
	}
	return canonical.CanonicalJSON(blob)
}

// ProcessToDeviceEvent routes one incoming verification event into its
// flow's inbox. This is called from the transport's receive path, so it
// only ever enqueues; the handler runs asynchronously.
func (v *VerifierInternalAPI) ProcessToDeviceEvent(ctx context.Context, event *api.ToDeviceEvent) {
	var envelope struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(event.Content, &envelope); err != nil || envelope.TransactionID == "" {
		logrus.WithField("type", event.Type).Debug("Dropping verification event without transaction ID")
		return
	}
	sender, flowID := event.Sender, envelope.TransactionID
	eventType, content := event.Type, event.Content
	v.inboxFor(flowKey(sender, flowID)).Act(nil, func() {
		pctx := v.Process.Context()
		var flow *verificationFlow
		if val, ok := v.flows.Load(flowKey(sender, flowID)); ok {
			flow = val.(*verificationFlow)
		}
		v.handleEvent(pctx, sender, flowID, eventType, content, flow)
	})
}

func (v *VerifierInternalAPI) handleEvent(ctx context.Context, sender, flowID, eventType string, content json.RawMessage, f *verificationFlow) {
	if eventType == api.EventTypeRequest {
		v.handleRequest(ctx, sender, content, f)
		return
	}
	if f == nil {
		// Terminal flows already left the live map; anything else is a
		// stale or bogus reference.
		logrus.WithFields(logrus.Fields{
			"type":    eventType,
			"flow_id": flowID,
		}).Debug("Dropping verification event for unknown flow")
		return
	}
	switch eventType {
	case api.EventTypeReady:
		v.handleReady(ctx, f, content)
	case api.EventTypeStart:
		v.handleStart(ctx, f, content)
	case api.EventTypeKey:
		v.handleKey(ctx, f, content)
	case api.EventTypeMAC:
		v.handleMAC(ctx, f, content)
	case api.EventTypeDone:
		v.handleDone(ctx, f)
	case api.EventTypeCancel:
		v.handleCancel(ctx, f, content)
	default:
		logrus.WithField("type", eventType).Debug("Dropping unknown verification event type")
	}
}

func (v *VerifierInternalAPI) handleRequest(ctx context.Context, sender string, content json.RawMessage, existing *verificationFlow) {
	var req api.RequestContent
	if err := json.Unmarshal(content, &req); err != nil || req.FromDevice == "" {
		logrus.WithError(err).Debug("Dropping malformed verification request")
		return
	}
	if existing != nil {
		logrus.WithField("flow_id", req.TransactionID).Debug("Dropping duplicate verification request")
		return
	}
	flow := &verificationFlow{
		FlowID:        req.TransactionID,
		OtherUserID:   sender,
		OtherDeviceID: req.FromDevice,
		State:         api.FlowStateRequested,
		TheirMethods:  req.Methods,
		CreatedTS:     nowMilli(),
	}
	v.flows.Store(flowKey(sender, flow.FlowID), flow)
	v.persist(ctx, flow)
	v.Updates.ProduceFlowUpdate(flow.public())
}

func (v *VerifierInternalAPI) handleReady(ctx context.Context, f *verificationFlow, content json.RawMessage) {
	var ready api.ReadyContent
	if err := json.Unmarshal(content, &ready); err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "malformed ready", true)
		return
	}
	if f.State != api.FlowStateRequested || !f.WeStarted {
		v.cancelFlow(ctx, f, api.CancelCodeUnexpectedMessage, "unexpected ready", true)
		return
	}
	f.TheirMethods = ready.Methods
	if ready.FromDevice != "" {
		f.OtherDeviceID = ready.FromDevice
	}
	if len(intersectMethods(f.OurMethods, f.TheirMethods)) == 0 {
		v.cancelFlow(ctx, f, api.CancelCodeUnknownMethod, "no verification method in common", true)
		return
	}
	v.transition(ctx, f, api.FlowStateReady)
}

func (v *VerifierInternalAPI) handleStart(ctx context.Context, f *verificationFlow, content json.RawMessage) {
	var start api.StartContent
	if err := json.Unmarshal(content, &start); err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "malformed start", true)
		return
	}
	switch start.Method {
	case api.MethodSAS:
		v.respondToSASStart(ctx, f, &start)
	case api.MethodQR:
		v.handleQRSecret(ctx, f, &start)
	default:
		v.cancelFlow(ctx, f, api.CancelCodeUnknownMethod, "unknown start method", true)
	}
}

// respondToSASStart holds the starter's commitment and reveals our
// ephemeral key first. The starter's own key only arrives afterwards, at
// which point the commitment is checked.
func (v *VerifierInternalAPI) respondToSASStart(ctx context.Context, f *verificationFlow, start *api.StartContent) {
	if f.State != api.FlowStateReady {
		v.cancelFlow(ctx, f, api.CancelCodeUnexpectedMessage, "unexpected start", true)
		return
	}
	if start.KeyAgreementProtocol != sasKeyAgreementProtocol ||
		start.Hash != sasHash ||
		start.MessageAuthCode != sasMessageAuthCode {
		v.cancelFlow(ctx, f, api.CancelCodeUnknownMethod, "unsupported SAS parameters", true)
		return
	}
	commitment := start.Commitment
	if commitment == "" {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "start without commitment", true)
		return
	}
	startCanonical, err := canonicalStartPayload(start)
	if err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "malformed start", true)
		return
	}
	private, public, err := generateEphemeralKey()
	if err != nil {
		logrus.WithError(err).Error("Failed to generate ephemeral key")
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "internal error", true)
		return
	}
	if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeKey, &api.KeyContent{
		TransactionID: f.FlowID,
		Key:           public,
	}); err != nil {
		logrus.WithError(err).WithField("flow_id", f.FlowID).Error("Failed to send SAS key")
		return
	}
	f.Method = api.MethodSAS
	f.SAS = &sasState{
		WeStartedSAS:    false,
		OurPrivate:      private,
		OurPublic:       public,
		TheirCommitment: commitment,
		StartCanonical:  startCanonical,
	}
	v.transition(ctx, f, api.FlowStateSasStarted)
}

// handleQRSecret is the generator learning that its code was scanned: the
// echoed secret proves the peer saw the payload.
func (v *VerifierInternalAPI) handleQRSecret(ctx context.Context, f *verificationFlow, start *api.StartContent) {
	if f.State != api.FlowStateReady || f.QR == nil {
		v.cancelFlow(ctx, f, api.CancelCodeUnexpectedMessage, "no QR code was offered", true)
		return
	}
	if subtle.ConstantTimeCompare(f.QR.Secret, start.Secret) != 1 {
		v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, "scanned secret does not match", true)
		return
	}
	f.Method = api.MethodQR
	v.transition(ctx, f, api.FlowStateQrScanned)
}

func (v *VerifierInternalAPI) handleKey(ctx context.Context, f *verificationFlow, content json.RawMessage) {
	var key api.KeyContent
	if err := json.Unmarshal(content, &key); err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "malformed key", true)
		return
	}
	if f.State != api.FlowStateSasStarted || f.Method != api.MethodSAS || f.SAS == nil || len(f.SAS.TheirPublic) != 0 {
		v.cancelFlow(ctx, f, api.CancelCodeUnexpectedMessage, "unexpected key", true)
		return
	}
	if f.SAS.WeStartedSAS {
		// Responder's key. We can now reveal the key we committed to.
		f.SAS.TheirPublic = key.Key
		if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeKey, &api.KeyContent{
			TransactionID: f.FlowID,
			Key:           f.SAS.OurPublic,
		}); err != nil {
			logrus.WithError(err).WithField("flow_id", f.FlowID).Error("Failed to reveal SAS key")
			return
		}
	} else {
		// Starter's reveal. Check it against the commitment from their
		// start event before trusting it.
		if !commitmentMatches(f.SAS.TheirCommitment, f.SAS.StartCanonical, key.Key) {
			v.cancelFlow(ctx, f, api.CancelCodeMismatchedCommit, "commitment does not match revealed key", true)
			return
		}
		f.SAS.TheirPublic = key.Key
	}
	secret, err := sharedSecret(f.SAS.OurPrivate, f.SAS.TheirPublic)
	if err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "bad ephemeral key", true)
		return
	}
	f.SAS.SharedSecret = secret
	transcript := v.sasTranscriptFor(f)
	decimal, emoji, err := deriveShortAuthString(secret, transcript)
	if err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "short code derivation failed", true)
		return
	}
	f.ShortCodeDecimal = decimal
	f.ShortCodeEmoji = emoji
	v.persist(ctx, f)
	v.Updates.ProduceFlowUpdate(f.public())
}

func (v *VerifierInternalAPI) sasTranscriptFor(f *verificationFlow) string {
	if f.SAS.WeStartedSAS {
		return sasTranscript(v.localUserID(), v.localDeviceID(), f.OtherUserID, f.OtherDeviceID, f.FlowID)
	}
	return sasTranscript(f.OtherUserID, f.OtherDeviceID, v.localUserID(), v.localDeviceID(), f.FlowID)
}

func (v *VerifierInternalAPI) handleMAC(ctx context.Context, f *verificationFlow, content json.RawMessage) {
	var mac api.MACContent
	if err := json.Unmarshal(content, &mac); err != nil {
		v.cancelFlow(ctx, f, api.CancelCodeInvalidMessage, "malformed mac", true)
		return
	}
	if f.State != api.FlowStateSasStarted || f.Method != api.MethodSAS || f.SAS == nil || len(f.SAS.SharedSecret) == 0 {
		v.cancelFlow(ctx, f, api.CancelCodeUnexpectedMessage, "unexpected mac", true)
		return
	}
	transcript := macTranscript(f.OtherUserID, f.OtherDeviceID, v.localUserID(), v.localDeviceID(), f.FlowID)
	keyIDs := make([]string, 0, len(mac.MAC))
	for keyID := range mac.MAC {
		keyIDs = append(keyIDs, keyID)
	}
	expectedKeysMAC, err := keyIDListMAC(f.SAS.SharedSecret, keyIDs, transcript)
	if err != nil || !hmac.Equal(expectedKeysMAC, mac.Keys) {
		v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, "key list MAC does not match", true)
		return
	}
	deviceKeyID := "ed25519:" + f.OtherDeviceID
	theirDeviceKey, err := v.deviceEd25519Key(ctx, f.OtherUserID, f.OtherDeviceID)
	if err != nil || theirDeviceKey == nil {
		v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, "peer device key unknown", true)
		return
	}
	theirMaster, err := v.masterKey(ctx, f.OtherUserID)
	if err != nil {
		logrus.WithError(err).Error("Failed to look up peer master key")
	}
	verified := false
	for keyID, keyMAC := range mac.MAC {
		var input string
		switch {
		case keyID == deviceKeyID:
			input = theirDeviceKey.Encode()
		case theirMaster != nil && keyID == "ed25519:"+theirMaster.Encode():
			input = theirMaster.Encode()
		default:
			// Keys we don't hold a copy of can't be checked. They also
			// can't make the verification claim anything.
			continue
		}
		if err := verifyMAC(f.SAS.SharedSecret, input, transcript, keyID, keyMAC); err != nil {
			v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, err.Error(), true)
			return
		}
		verified = true
	}
	if !verified {
		v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, "no verifiable keys in mac", true)
		return
	}
	f.TheirMACOK = true
	f.TheyConfirmed = true
	v.persist(ctx, f)
	v.maybeAcceptSAS(ctx, f)
}

func (v *VerifierInternalAPI) handleDone(ctx context.Context, f *verificationFlow) {
	f.TheyDone = true
	switch {
	case f.WeDone && (f.State == api.FlowStateShortCodeAccepted || f.State == api.FlowStateConfirmed):
		v.transition(ctx, f, api.FlowStateDone)
	case f.Method == api.MethodQR && f.State == api.FlowStateQrScanned && !f.WeDone:
		// We scanned their code and they have confirmed the scan. Their
		// keys were checked against the payload at scan time.
		v.transition(ctx, f, api.FlowStateConfirmed)
		v.completeFlow(ctx, f)
		v.transition(ctx, f, api.FlowStateDone)
	default:
		v.persist(ctx, f)
	}
}

func (v *VerifierInternalAPI) handleCancel(ctx context.Context, f *verificationFlow, content json.RawMessage) {
	var cancel api.CancelContent
	if err := json.Unmarshal(content, &cancel); err != nil {
		cancel.Code = api.CancelCodeUser
	}
	if f.State.IsTerminal() {
		return
	}
	v.cancelFlow(ctx, f, cancel.Code, cancel.Reason, false)
}
