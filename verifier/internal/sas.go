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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sasKeyAgreementProtocol = "curve25519-hkdf-sha256"
	sasHash                 = "sha256"
	sasMessageAuthCode      = "hkdf-hmac-sha256.v2"

	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"
)

var sasShortAuthStrings = []string{"decimal", "emoji"}

// sasEmojiNames is the standard 64-entry table. The six-bit groups of the
// derived bytes index into it.
var sasEmojiNames = [64]string{
	"Dog", "Cat", "Lion", "Horse", "Unicorn", "Pig", "Elephant", "Rabbit",
	"Panda", "Rooster", "Penguin", "Turtle", "Fish", "Octopus", "Butterfly", "Flower",
	"Tree", "Cactus", "Mushroom", "Globe", "Moon", "Cloud", "Fire", "Banana",
	"Apple", "Strawberry", "Corn", "Pizza", "Cake", "Heart", "Smiley", "Robot",
	"Hat", "Glasses", "Spanner", "Santa", "Thumbs Up", "Umbrella", "Hourglass", "Clock",
	"Gift", "Light Bulb", "Book", "Pencil", "Paperclip", "Scissors", "Lock", "Key",
	"Hammer", "Telephone", "Flag", "Train", "Bicycle", "Aeroplane", "Rocket", "Trophy",
	"Ball", "Guitar", "Trumpet", "Bell", "Anchor", "Headphones", "Folder", "Pin",
}

// generateEphemeralKey returns a fresh X25519 keypair.
func generateEphemeralKey() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(private); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

func sharedSecret(ourPrivate, theirPublic []byte) ([]byte, error) {
	return curve25519.X25519(ourPrivate, theirPublic)
}

// sasCommitment binds the starter to its ephemeral key before it has seen
// the responder's: SHA256 over the canonical start payload followed by the
// starter's public key.
func sasCommitment(startCanonical, starterPublic []byte) string {
	h := sha256.New()
	h.Write(startCanonical)
	h.Write(starterPublic)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

func commitmentMatches(commitment string, startCanonical, starterPublic []byte) bool {
	expected := sasCommitment(startCanonical, starterPublic)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(commitment)) == 1
}

// sasTranscript identifies the exchange the short code is derived for. The
// starter of the SAS exchange always comes first so that both sides build
// the same string.
func sasTranscript(starterUserID, starterDeviceID, otherUserID, otherDeviceID, flowID string) string {
	return sasInfoPrefix + starterUserID + starterDeviceID + otherUserID + otherDeviceID + flowID
}

// deriveShortAuthString expands the shared secret with the flow transcript
// and packs the output bits into the decimal triple and the emoji indices.
func deriveShortAuthString(secret []byte, transcript string) (decimal []uint16, emoji []string, err error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(transcript))
	b := make([]byte, 6)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, nil, err
	}
	decimal = []uint16{
		(uint16(b[0])<<5 | uint16(b[1])>>3) + 1000,
		(uint16(b[1]&0x7)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6) + 1000,
		(uint16(b[3]&0x3f)<<7 | uint16(b[4])>>1) + 1000,
	}
	indices := []byte{
		b[0] >> 2,
		(b[0]&0x3)<<4 | b[1]>>4,
		(b[1]&0xf)<<2 | b[2]>>6,
		b[2] & 0x3f,
		b[3] >> 2,
		(b[3]&0x3)<<4 | b[4]>>4,
		(b[4]&0xf)<<2 | b[5]>>6,
	}
	emoji = make([]string, len(indices))
	for i, idx := range indices {
		emoji[i] = sasEmojiNames[idx]
	}
	return decimal, emoji, nil
}

// macTranscript orders the two sides sender-first, so each direction of the
// MAC exchange uses its own key.
func macTranscript(senderUserID, senderDeviceID, receiverUserID, receiverDeviceID, flowID string) string {
	return macInfoPrefix + senderUserID + senderDeviceID + receiverUserID + receiverDeviceID + flowID
}

// calculateMAC keys an HMAC with material expanded from the shared secret
// for this specific (transcript, key ID) pair.
func calculateMAC(secret []byte, input, transcript, keyID string) ([]byte, error) {
	macKey := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(transcript+keyID))
	if _, err := io.ReadFull(r, macKey); err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, macKey)
	h.Write([]byte(input))
	return h.Sum(nil), nil
}

func verifyMAC(secret []byte, input, transcript, keyID string, mac []byte) error {
	expected, err := calculateMAC(secret, input, transcript, keyID)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, mac) {
		return fmt.Errorf("MAC mismatch for %q", keyID)
	}
	return nil
}

// keyIDListMAC covers the sorted, comma-joined key IDs under the reserved
// "KEY_IDS" label, so neither side can drop a key from the exchange.
func keyIDListMAC(secret []byte, keyIDs []string, transcript string) ([]byte, error) {
	sorted := make([]string, len(keyIDs))
	copy(sorted, keyIDs)
	sort.Strings(sorted)
	return calculateMAC(secret, strings.Join(sorted, ","), transcript, "KEY_IDS")
}
