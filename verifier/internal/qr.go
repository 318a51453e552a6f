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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	errQRModeMismatch = errors.New("scanned code is for the wrong verification mode")
	errQRGeneratorKey = errors.New("scanned code does not match the generator's known key")
	errQRExpectedKey  = errors.New("scanned code expects a key we do not hold")
)

// QR payload layout: magic, version, mode, length-prefixed flow ID, the
// generator's key, the key the generator expects the scanner to hold, and
// a random shared secret the scanner echoes back to prove the scan.
const (
	qrMagic   = "MATRIX"
	qrVersion = 0x02

	// qrModeCrossUser verifies another user via master keys; qrModeSelf
	// verifies another device of the same user.
	qrModeCrossUser = 0x00
	qrModeSelf      = 0x01

	qrKeyLen    = 32
	qrSecretLen = 16
)

type qrPayload struct {
	Mode            byte
	FlowID          string
	GeneratorKey    []byte
	ExpectedPeerKey []byte
	Secret          []byte
}

func (p *qrPayload) encode() ([]byte, error) {
	if len(p.GeneratorKey) != qrKeyLen || len(p.ExpectedPeerKey) != qrKeyLen {
		return nil, fmt.Errorf("QR keys must be %d bytes", qrKeyLen)
	}
	var buf bytes.Buffer
	buf.WriteString(qrMagic)
	buf.WriteByte(qrVersion)
	buf.WriteByte(p.Mode)
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(p.FlowID)))
	buf.Write(idLen[:])
	buf.WriteString(p.FlowID)
	buf.Write(p.GeneratorKey)
	buf.Write(p.ExpectedPeerKey)
	buf.Write(p.Secret)
	return buf.Bytes(), nil
}

func decodeQRPayload(raw []byte) (*qrPayload, error) {
	if len(raw) < len(qrMagic)+2 {
		return nil, fmt.Errorf("QR payload too short")
	}
	if string(raw[:len(qrMagic)]) != qrMagic {
		return nil, fmt.Errorf("QR payload has wrong magic")
	}
	raw = raw[len(qrMagic):]
	if raw[0] != qrVersion {
		return nil, fmt.Errorf("unsupported QR payload version %d", raw[0])
	}
	p := &qrPayload{Mode: raw[1]}
	if p.Mode != qrModeCrossUser && p.Mode != qrModeSelf {
		return nil, fmt.Errorf("unsupported QR mode %d", p.Mode)
	}
	raw = raw[2:]
	if len(raw) < 2 {
		return nil, fmt.Errorf("QR payload truncated")
	}
	idLen := int(binary.BigEndian.Uint16(raw[:2]))
	raw = raw[2:]
	if len(raw) < idLen+2*qrKeyLen+1 {
		return nil, fmt.Errorf("QR payload truncated")
	}
	p.FlowID = string(raw[:idLen])
	raw = raw[idLen:]
	p.GeneratorKey = raw[:qrKeyLen]
	p.ExpectedPeerKey = raw[qrKeyLen : 2*qrKeyLen]
	p.Secret = raw[2*qrKeyLen:]
	return p, nil
}

func newQRSecret() ([]byte, error) {
	secret := make([]byte, qrSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func encodeQRText(payload []byte) string {
	return base58.Encode(payload)
}

func decodeQRText(text string) ([]byte, error) {
	return base58.Decode(text)
}
