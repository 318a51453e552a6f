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
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/canonical"
	keyapi "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/verifier/api"
)

func (v *VerifierInternalAPI) sendEvent(ctx context.Context, userID, deviceID, eventType string, content any) error {
	blob, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return v.Transport.SendToDevice(ctx, userID, deviceID, &api.ToDeviceEvent{
		Sender:  v.localUserID(),
		Type:    eventType,
		Content: blob,
	})
}

// sendCancelWithRetry keeps resending the cancel until the transport takes
// it or the process shuts down. The peer's state must not diverge from
// ours, so this never gives up on its own.
func (v *VerifierInternalAPI) sendCancelWithRetry(userID, deviceID string, content *api.CancelContent) {
	v.Process.ComponentStarted()
	go func() {
		defer v.Process.ComponentFinished()
		backoff := time.Second
		for {
			err := v.sendEvent(v.Process.Context(), userID, deviceID, api.EventTypeCancel, content)
			if err == nil {
				return
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"flow_id": content.TransactionID,
				"user_id": userID,
			}).Warnf("Failed to notify peer of cancellation, retrying in %s", backoff)
			select {
			case <-v.Process.WaitForShutdown():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
		}
	}()
}

// cancelFlow moves the flow to Cancelled immediately. The peer is told
// asynchronously; local state never waits on delivery.
func (v *VerifierInternalAPI) cancelFlow(ctx context.Context, f *verificationFlow, code api.CancelCode, reason string, notifyPeer bool) {
	f.CancelCode = code
	v.transition(ctx, f, api.FlowStateCancelled)
	if notifyPeer {
		v.sendCancelWithRetry(f.OtherUserID, f.OtherDeviceID, &api.CancelContent{
			TransactionID: f.FlowID,
			Code:          code,
			Reason:        reason,
		})
	}
}

func (v *VerifierInternalAPI) PerformRequestVerification(
	ctx context.Context,
	req *api.PerformRequestVerificationRequest,
	res *api.PerformRequestVerificationResponse,
) error {
	methods := req.Methods
	if len(methods) == 0 {
		methods = []api.Method{api.MethodSAS, api.MethodQR}
	}
	flow := &verificationFlow{
		FlowID:        newFlowID(),
		OtherUserID:   req.OtherUserID,
		OtherDeviceID: req.OtherDeviceID,
		State:         api.FlowStateRequested,
		WeStarted:     true,
		OurMethods:    methods,
		CreatedTS:     nowMilli(),
	}
	key := flowKey(flow.OtherUserID, flow.FlowID)
	var sendErr error
	phony.Block(v.inboxFor(key), func() {
		sendErr = v.sendEvent(ctx, flow.OtherUserID, flow.OtherDeviceID, api.EventTypeRequest, &api.RequestContent{
			FromDevice:    v.localDeviceID(),
			TransactionID: flow.FlowID,
			Methods:       methods,
			Timestamp:     flow.CreatedTS,
		})
		if sendErr != nil {
			return
		}
		v.flows.Store(key, flow)
		v.persist(ctx, flow)
		v.Updates.ProduceFlowUpdate(flow.public())
	})
	if sendErr != nil {
		res.Error = &api.VerificationError{Err: "failed to send verification request: " + sendErr.Error()}
		return nil
	}
	res.FlowID = flow.FlowID
	return nil
}

func (v *VerifierInternalAPI) PerformReadyVerification(
	ctx context.Context,
	req *api.PerformReadyVerificationRequest,
	res *api.PerformReadyVerificationResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State.IsTerminal() {
			return
		}
		if f.State != api.FlowStateRequested || f.WeStarted {
			res.Error = &api.VerificationError{Err: "flow is not awaiting our acceptance"}
			return
		}
		methods := req.Methods
		if len(methods) == 0 {
			methods = []api.Method{api.MethodSAS, api.MethodQR}
		}
		f.OurMethods = methods
		if len(intersectMethods(f.OurMethods, f.TheirMethods)) == 0 {
			v.cancelFlow(ctx, f, api.CancelCodeUnknownMethod, "no verification method in common", true)
			res.Error = &api.VerificationError{Err: "no verification method in common"}
			return
		}
		if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeReady, &api.ReadyContent{
			FromDevice:    v.localDeviceID(),
			TransactionID: f.FlowID,
			Methods:       methods,
		}); err != nil {
			res.Error = &api.VerificationError{Err: "failed to send ready: " + err.Error()}
			return
		}
		v.transition(ctx, f, api.FlowStateReady)
	})
	return nil
}

func (v *VerifierInternalAPI) PerformStartSAS(
	ctx context.Context,
	req *api.PerformStartSASRequest,
	res *api.PerformStartSASResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State.IsTerminal() {
			return
		}
		if f.State != api.FlowStateReady {
			res.Error = &api.VerificationError{Err: "flow is not ready to start"}
			return
		}
		private, public, err := generateEphemeralKey()
		if err != nil {
			res.Error = &api.VerificationError{Err: "failed to generate ephemeral key: " + err.Error()}
			return
		}
		start := api.StartContent{
			FromDevice:           v.localDeviceID(),
			TransactionID:        f.FlowID,
			Method:               api.MethodSAS,
			KeyAgreementProtocol: sasKeyAgreementProtocol,
			Hash:                 sasHash,
			MessageAuthCode:      sasMessageAuthCode,
			ShortAuthStrings:     sasShortAuthStrings,
		}
		startCanonical, err := canonicalStartPayload(&start)
		if err != nil {
			res.Error = &api.VerificationError{Err: err.Error()}
			return
		}
		start.Commitment = sasCommitment(startCanonical, public)
		if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeStart, &start); err != nil {
			res.Error = &api.VerificationError{Err: "failed to send start: " + err.Error()}
			return
		}
		f.Method = api.MethodSAS
		f.SAS = &sasState{
			WeStartedSAS:   true,
			OurPrivate:     private,
			OurPublic:      public,
			StartCanonical: startCanonical,
		}
		v.transition(ctx, f, api.FlowStateSasStarted)
	})
	return nil
}

func (v *VerifierInternalAPI) PerformConfirmSAS(
	ctx context.Context,
	req *api.PerformConfirmSASRequest,
	res *api.PerformConfirmSASResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State.IsTerminal() {
			// Confirming a finished flow is a no-op, not an error.
			return
		}
		if !req.Matched {
			v.cancelFlow(ctx, f, api.CancelCodeMismatchedSAS, "short authentication string did not match", true)
			return
		}
		switch f.Method {
		case api.MethodSAS:
			v.confirmSAS(ctx, f, res)
		case api.MethodQR:
			v.confirmQR(ctx, f, res)
		default:
			res.Error = &api.VerificationError{Err: "no verification method in progress"}
		}
	})
	return nil
}

func (v *VerifierInternalAPI) confirmSAS(ctx context.Context, f *verificationFlow, res *api.PerformConfirmSASResponse) {
	if f.State != api.FlowStateSasStarted || f.SAS == nil || len(f.SAS.SharedSecret) == 0 {
		res.Error = &api.VerificationError{Err: "short authentication string is not ready yet"}
		return
	}
	if f.WeConfirmed {
		return
	}
	if err := v.sendOurMAC(ctx, f); err != nil {
		res.Error = &api.VerificationError{Err: "failed to send MAC: " + err.Error()}
		return
	}
	f.WeConfirmed = true
	f.WeSentMAC = true
	v.persist(ctx, f)
	v.maybeAcceptSAS(ctx, f)
}

// confirmQR is the generator acknowledging that the peer scanned its code.
func (v *VerifierInternalAPI) confirmQR(ctx context.Context, f *verificationFlow, res *api.PerformConfirmSASResponse) {
	if f.State != api.FlowStateQrScanned || f.QR == nil {
		res.Error = &api.VerificationError{Err: "flow is not awaiting scan confirmation"}
		return
	}
	f.WeConfirmed = true
	v.transition(ctx, f, api.FlowStateConfirmed)
	v.completeFlow(ctx, f)
	if f.TheyDone {
		v.transition(ctx, f, api.FlowStateDone)
	}
}

// sendOurMAC authenticates our device key, and our master key when we have
// one, under the shared secret.
func (v *VerifierInternalAPI) sendOurMAC(ctx context.Context, f *verificationFlow) error {
	deviceKey, err := v.deviceEd25519Key(ctx, v.localUserID(), v.localDeviceID())
	if err != nil {
		return err
	}
	transcript := macTranscript(v.localUserID(), v.localDeviceID(), f.OtherUserID, f.OtherDeviceID, f.FlowID)
	macs := map[string]canonical.Base64Bytes{}
	keyIDs := []string{}
	if deviceKey != nil {
		keyID := "ed25519:" + v.localDeviceID()
		mac, err := calculateMAC(f.SAS.SharedSecret, deviceKey.Encode(), transcript, keyID)
		if err != nil {
			return err
		}
		macs[keyID] = mac
		keyIDs = append(keyIDs, keyID)
	}
	if master, err := v.masterKey(ctx, v.localUserID()); err != nil {
		return err
	} else if master != nil {
		keyID := "ed25519:" + master.Encode()
		mac, err := calculateMAC(f.SAS.SharedSecret, master.Encode(), transcript, keyID)
		if err != nil {
			return err
		}
		macs[keyID] = mac
		keyIDs = append(keyIDs, keyID)
	}
	keysMAC, err := keyIDListMAC(f.SAS.SharedSecret, keyIDs, transcript)
	if err != nil {
		return err
	}
	return v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeMAC, &api.MACContent{
		TransactionID: f.FlowID,
		MAC:           macs,
		Keys:          keysMAC,
	})
}

// maybeAcceptSAS finishes the SAS exchange once both sides confirmed and
// both MACs are in.
func (v *VerifierInternalAPI) maybeAcceptSAS(ctx context.Context, f *verificationFlow) {
	if f.State != api.FlowStateSasStarted {
		return
	}
	if !f.WeConfirmed || !f.WeSentMAC || !f.TheirMACOK {
		return
	}
	v.transition(ctx, f, api.FlowStateShortCodeAccepted)
	v.completeFlow(ctx, f)
	if f.TheyDone {
		v.transition(ctx, f, api.FlowStateDone)
	}
}

// completeFlow signs whatever this successful verification proves and
// tells the peer we are done. The verification itself has succeeded by
// this point, so signing or delivery failures are logged, not fatal.
func (v *VerifierInternalAPI) completeFlow(ctx context.Context, f *verificationFlow) {
	if f.WeDone {
		return
	}
	if f.OtherUserID == v.localUserID() {
		// The direct check succeeded even if cross-signing is unavailable,
		// so record the local verification first.
		var mres keyapi.PerformMarkDeviceVerifiedResponse
		if err := v.KeyAPI.PerformMarkDeviceVerified(ctx, &keyapi.PerformMarkDeviceVerifiedRequest{
			UserID:   f.OtherUserID,
			DeviceID: f.OtherDeviceID,
			Verified: true,
		}, &mres); err != nil {
			logrus.WithError(err).WithField("device_id", f.OtherDeviceID).Error("Failed to mark device locally verified")
		}
		var sres keyapi.PerformSignDeviceResponse
		err := v.KeyAPI.PerformSignDevice(ctx, &keyapi.PerformSignDeviceRequest{
			UserID:   f.OtherUserID,
			DeviceID: f.OtherDeviceID,
		}, &sres)
		if err == nil && sres.Error != nil {
			err = sres.Error
		}
		if err != nil {
			logrus.WithError(err).WithField("device_id", f.OtherDeviceID).Error("Failed to cross-sign verified device")
		}
	} else {
		var tres keyapi.PerformTrustUserResponse
		err := v.KeyAPI.PerformTrustUser(ctx, &keyapi.PerformTrustUserRequest{
			UserID: f.OtherUserID,
		}, &tres)
		if err == nil && tres.Error != nil {
			err = tres.Error
		}
		if err != nil {
			logrus.WithError(err).WithField("user_id", f.OtherUserID).Error("Failed to sign verified user's master key")
		}
	}
	if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeDone, &api.DoneContent{
		TransactionID: f.FlowID,
	}); err != nil {
		logrus.WithError(err).WithField("flow_id", f.FlowID).Error("Failed to send verification done")
	}
	f.WeDone = true
	v.persist(ctx, f)
}

func (v *VerifierInternalAPI) PerformGenerateQR(
	ctx context.Context,
	req *api.PerformGenerateQRRequest,
	res *api.PerformGenerateQRResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State != api.FlowStateReady {
			res.Error = &api.VerificationError{Err: "flow is not ready"}
			return
		}
		if f.QR != nil {
			// Re-rendering the same code is fine; changing the secret under
			// the peer's feet is not.
			res.Payload = f.QR.Payload
			res.Encoded = encodeQRText(f.QR.Payload)
			return
		}
		payload, err := v.buildQRPayload(ctx, f)
		if err != nil {
			res.Error = &api.VerificationError{Err: err.Error()}
			return
		}
		if payload == nil {
			// QR is unavailable for this flow. Not an error: the UI simply
			// doesn't offer the code.
			return
		}
		raw, err := payload.encode()
		if err != nil {
			res.Error = &api.VerificationError{Err: err.Error()}
			return
		}
		f.QR = &qrState{Secret: payload.Secret, Payload: raw}
		f.Method = api.MethodQR
		v.persist(ctx, f)
		res.Payload = raw
		res.Encoded = encodeQRText(raw)
	})
	return nil
}

// buildQRPayload returns nil without error when this end cannot offer a QR
// code: a missing or untrusted local identity degrades to unavailable.
func (v *VerifierInternalAPI) buildQRPayload(ctx context.Context, f *verificationFlow) (*qrPayload, error) {
	ownMaster, err := v.masterKey(ctx, v.localUserID())
	if err != nil {
		return nil, err
	}
	if ownMaster == nil {
		return nil, nil
	}
	payload := &qrPayload{FlowID: f.FlowID, GeneratorKey: ownMaster}
	if f.OtherUserID == v.localUserID() {
		payload.Mode = qrModeSelf
		peerKey, err := v.deviceEd25519Key(ctx, f.OtherUserID, f.OtherDeviceID)
		if err != nil {
			return nil, err
		}
		if peerKey == nil {
			return nil, nil
		}
		payload.ExpectedPeerKey = peerKey
	} else {
		payload.Mode = qrModeCrossUser
		trusted, err := v.localIdentityTrusted(ctx)
		if err != nil {
			return nil, err
		}
		if !trusted {
			return nil, nil
		}
		peerMaster, err := v.masterKey(ctx, f.OtherUserID)
		if err != nil {
			return nil, err
		}
		if peerMaster == nil {
			return nil, nil
		}
		payload.ExpectedPeerKey = peerMaster
	}
	payload.Secret, err = newQRSecret()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (v *VerifierInternalAPI) PerformScanQR(
	ctx context.Context,
	req *api.PerformScanQRRequest,
	res *api.PerformScanQRResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State.IsTerminal() {
			return
		}
		if f.State != api.FlowStateReady {
			res.Error = &api.VerificationError{Err: "flow is not ready"}
			return
		}
		scanned := req.Payload
		if len(scanned) == 0 && req.Encoded != "" {
			var err error
			if scanned, err = decodeQRText(req.Encoded); err != nil {
				res.Error = &api.VerificationError{Err: "scanned text is not base58: " + err.Error()}
				return
			}
		}
		payload, err := decodeQRPayload(scanned)
		if err != nil {
			res.Error = &api.VerificationError{Err: err.Error()}
			return
		}
		if payload.FlowID != f.FlowID {
			res.Error = &api.VerificationError{Err: "scanned code belongs to a different flow"}
			return
		}
		if err := v.checkScannedPayload(ctx, f, payload); err != nil {
			v.cancelFlow(ctx, f, api.CancelCodeKeyMismatch, err.Error(), true)
			res.Error = &api.VerificationError{Err: err.Error()}
			return
		}
		if err := v.sendEvent(ctx, f.OtherUserID, f.OtherDeviceID, api.EventTypeStart, &api.StartContent{
			FromDevice:    v.localDeviceID(),
			TransactionID: f.FlowID,
			Method:        api.MethodQR,
			Secret:        payload.Secret,
		}); err != nil {
			res.Error = &api.VerificationError{Err: "failed to send scan proof: " + err.Error()}
			return
		}
		f.Method = api.MethodQR
		v.transition(ctx, f, api.FlowStateQrScanned)
	})
	return nil
}

// checkScannedPayload verifies that the generator's claimed key matches
// what we already hold for them, and that the key they expect us to have
// is really ours.
func (v *VerifierInternalAPI) checkScannedPayload(ctx context.Context, f *verificationFlow, payload *qrPayload) error {
	selfMode := f.OtherUserID == v.localUserID()
	if selfMode != (payload.Mode == qrModeSelf) {
		return errQRModeMismatch
	}
	generatorMaster, err := v.masterKey(ctx, f.OtherUserID)
	if err != nil {
		return err
	}
	if generatorMaster == nil || !bytes.Equal(generatorMaster, payload.GeneratorKey) {
		return errQRGeneratorKey
	}
	var ourKey canonical.Base64Bytes
	if selfMode {
		ourKey, err = v.deviceEd25519Key(ctx, v.localUserID(), v.localDeviceID())
	} else {
		ourKey, err = v.masterKey(ctx, v.localUserID())
	}
	if err != nil {
		return err
	}
	if ourKey == nil || subtle.ConstantTimeCompare(ourKey, payload.ExpectedPeerKey) != 1 {
		return errQRExpectedKey
	}
	return nil
}

func (v *VerifierInternalAPI) PerformCancelVerification(
	ctx context.Context,
	req *api.PerformCancelVerificationRequest,
	res *api.PerformCancelVerificationResponse,
) error {
	v.withFlow(req.OtherUserID, req.FlowID, func(f *verificationFlow) {
		if f == nil {
			res.Error = &api.VerificationError{Err: "unknown verification flow"}
			return
		}
		if f.State.IsTerminal() {
			return
		}
		code := req.Code
		if code == "" {
			code = api.CancelCodeUser
		}
		v.cancelFlow(ctx, f, code, req.Reason, true)
	})
	return nil
}

func (v *VerifierInternalAPI) QueryVerificationFlow(
	ctx context.Context,
	req *api.QueryVerificationFlowRequest,
	res *api.QueryVerificationFlowResponse,
) error {
	key := flowKey(req.OtherUserID, req.FlowID)
	var flow *verificationFlow
	phony.Block(v.inboxFor(key), func() {
		if val, ok := v.flows.Load(key); ok {
			flow = val.(*verificationFlow)
			res.Found = true
			res.Flow = flow.public()
		}
	})
	if flow != nil {
		return nil
	}
	if val, ok := v.finished.Get(key); ok {
		res.Found = true
		res.Flow = val.(*verificationFlow).public()
		return nil
	}
	row, err := v.DB.Flow(ctx, req.OtherUserID, req.FlowID)
	if err != nil || row == nil {
		return err
	}
	stored, err := flowFromRow(*row)
	if err != nil {
		return err
	}
	res.Found = true
	res.Flow = stored.public()
	return nil
}

func intersectMethods(a, b []api.Method) []api.Method {
	var out []api.Method
	for _, m := range a {
		for _, n := range b {
			if m == n {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
