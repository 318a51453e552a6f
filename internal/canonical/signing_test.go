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
	"crypto/rand"
	"encoding/json"
	"testing"
)

func mustGenerateKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %s", err)
	}
	return pub, priv
}

func TestSignThenVerify(t *testing.T) {
	pub, priv := mustGenerateKey(t)
	signed, err := SignJSON("@alice:localhost", "ed25519:1", priv, []byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("SignJSON: %s", err)
	}
	if err := VerifyJSON("@alice:localhost", "ed25519:1", pub, signed); err != nil {
		t.Errorf("VerifyJSON: %s", err)
	}
}

func TestVerifyIgnoresKeyOrderAndUnsigned(t *testing.T) {
	pub, priv := mustGenerateKey(t)
	signed, err := SignJSON("@alice:localhost", "ed25519:1", priv, []byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("SignJSON: %s", err)
	}
	// Reorder the keys and add an unsigned section; the signature must
	// still verify because both are outside the canonical form.
	var object map[string]json.RawMessage
	if err = json.Unmarshal(signed, &object); err != nil {
		t.Fatal(err)
	}
	object["unsigned"] = json.RawMessage(`{"age":100}`)
	reordered, err := json.Marshal(map[string]json.RawMessage{
		"b":          object["b"],
		"a":          object["a"],
		"unsigned":   object["unsigned"],
		"signatures": object["signatures"],
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyJSON("@alice:localhost", "ed25519:1", pub, reordered); err != nil {
		t.Errorf("VerifyJSON after reorder: %s", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	pub, priv := mustGenerateKey(t)
	signed, err := SignJSON("@alice:localhost", "ed25519:1", priv, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("SignJSON: %s", err)
	}
	var object map[string]json.RawMessage
	if err = json.Unmarshal(signed, &object); err != nil {
		t.Fatal(err)
	}
	object["a"] = json.RawMessage(`2`)
	tampered, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyJSON("@alice:localhost", "ed25519:1", pub, tampered); err == nil {
		t.Error("VerifyJSON accepted tampered content")
	}
}

func TestSignPreservesExistingSignatures(t *testing.T) {
	pubA, privA := mustGenerateKey(t)
	pubB, privB := mustGenerateKey(t)
	signed, err := SignJSON("@alice:localhost", "ed25519:1", privA, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("SignJSON: %s", err)
	}
	signed, err = SignJSON("@bob:localhost", "ed25519:2", privB, signed)
	if err != nil {
		t.Fatalf("SignJSON (second signer): %s", err)
	}
	if err := VerifyJSON("@alice:localhost", "ed25519:1", pubA, signed); err != nil {
		t.Errorf("first signature lost: %s", err)
	}
	if err := VerifyJSON("@bob:localhost", "ed25519:2", pubB, signed); err != nil {
		t.Errorf("second signature missing: %s", err)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	in := Base64Bytes("some bytes")
	encoded, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Base64Bytes
	if err = json.Unmarshal(encoded, &out); err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Errorf("round trip: got %q want %q", out, in)
	}
	// Padded input is tolerated on the way in.
	var padded Base64Bytes
	if err := padded.Decode("c29tZSBieXRlcw=="); err != nil {
		t.Fatalf("Decode padded: %s", err)
	}
	if string(padded) != "some bytes" {
		t.Errorf("Decode padded: got %q", padded)
	}
}
