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

package canonical

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// A KeyID identifies an ed25519 key used to sign JSON.
// Key IDs have a format of "ed25519:[0-9A-Za-z+/]+".
// If we switch to using a different signing algorithm then we will change the
// prefix used.
type KeyID string

// SignJSON signs a JSON object, returning a copy signed with the given key.
// The signature is computed over the canonical form of the object with the
// "signatures" and "unsigned" keys removed, and is added to any signatures
// already present rather than replacing them.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	// Unpack the top-level keys of the JSON object without unpacking their
	// contents, so that we can add and remove top-level keys.
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64Bytes
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}

	rawUnsigned, hasUnsigned := object["unsigned"]
	delete(object, "unsigned")

	if rawSignatures := object["signatures"]; rawSignatures != nil {
		if err := json.Unmarshal(*rawSignatures, &signatures); err != nil {
			return nil, err
		}
		delete(object, "signatures")
	} else {
		signatures = map[string]map[KeyID]Base64Bytes{}
	}

	unsorted, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return nil, err
	}

	signature := Base64Bytes(ed25519.Sign(privateKey, canonical))

	if forEntity := signatures[signingName]; forEntity != nil {
		forEntity[keyID] = signature
	} else {
		signatures[signingName] = map[KeyID]Base64Bytes{keyID: signature}
	}
	var rawSignatures json.RawMessage
	rawSignatures, err = json.Marshal(signatures)
	if err != nil {
		return nil, err
	}
	object["signatures"] = &rawSignatures

	if hasUnsigned {
		object["unsigned"] = rawUnsigned
	}

	return json.Marshal(object)
}

// VerifyJSON checks that the entity has signed the message using a particular key.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64Bytes
	if err := json.Unmarshal(message, &object); err != nil {
		return err
	}

	if object["signatures"] == nil {
		return fmt.Errorf("no signatures")
	}
	if err := json.Unmarshal(*object["signatures"], &signatures); err != nil {
		return err
	}
	signature, ok := signatures[signingName][keyID]
	if !ok {
		return fmt.Errorf("no signature from %q with ID %q", signingName, keyID)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("bad signature length from %q with ID %q", signingName, keyID)
	}

	// The "unsigned" and "signatures" keys aren't covered by the signature.
	delete(object, "unsigned")
	delete(object, "signatures")

	unsorted, err := json.Marshal(object)
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return err
	}

	if !ed25519.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("bad signature from %q with ID %q", signingName, keyID)
	}

	return nil
}
