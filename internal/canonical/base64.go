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
	"encoding/base64"
	"encoding/json"
)

// A Base64Bytes is a string of bytes encoded using unpadded base64 when
// marshalled to JSON. Key material and signatures travel in this form.
type Base64Bytes []byte

// Encode returns the unpadded base64 form.
func (b64 Base64Bytes) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// Decode reads the unpadded base64 form, overwriting the receiver.
func (b64 *Base64Bytes) Decode(raw string) error {
	// We must check the padded form first because RawStdEncoding refuses
	// padding characters outright, and some clients still send them.
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		*b64 = decoded
		return nil
	}
	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return err
	}
	*b64 = decoded
	return nil
}

func (b64 Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.Encode())
}

func (b64 *Base64Bytes) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}
