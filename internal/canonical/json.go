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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
// Signatures are computed over these bytes, so the output must be bit-exact
// regardless of how the input was produced.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.Valid(string(input)) {
		return nil, fmt.Errorf("invalid json")
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is like CanonicalJSON, but assumes the input is
// valid JSON.
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by code point. The input must be valid JSON. Array element order is
// preserved.
func SortJSON(input []byte, output []byte) []byte {
	result := gjson.ParseBytes(input)
	return sortJSONValue(result, output)
}

func sortJSONValue(input gjson.Result, output []byte) []byte {
	if input.IsArray() {
		return sortJSONArray(input, output)
	}
	if input.IsObject() {
		return sortJSONObject(input, output)
	}
	// Types other than objects and arrays are left unmodified.
	return append(output, input.Raw...)
}

func sortJSONArray(input gjson.Result, output []byte) []byte {
	sep := byte('[')
	input.ForEach(func(_, value gjson.Result) bool {
		output = append(output, sep)
		sep = ','
		output = sortJSONValue(value, output)
		return true
	})
	if sep == '[' {
		// The array was empty.
		output = append(output, sep)
	}
	return append(output, ']')
}

func sortJSONObject(input gjson.Result, output []byte) []byte {
	type entry struct {
		key     string
		rawJSON string
	}
	var entries []entry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, entry{
			key:     key.String(),
			rawJSON: value.Raw,
		})
		return true
	})
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].key < entries[b].key
	})

	var escaped bytes.Buffer
	encoder := json.NewEncoder(&escaped)
	encoder.SetEscapeHTML(false)
	sep := byte('{')
	for _, entry := range entries {
		output = append(output, sep)
		sep = ','
		escaped.Reset()
		// Use json.Encode to do the key escaping for us, it matches the
		// escaping CompactJSON leaves behind.
		_ = encoder.Encode(entry.key)
		output = append(output, bytes.TrimSuffix(escaped.Bytes(), []byte{'\n'})...)
		output = append(output, ':')
		output = sortJSONValue(gjson.Parse(entry.rawJSON), output)
	}
	if sep == '{' {
		// The object was empty.
		output = append(output, sep)
	}
	return append(output, '}')
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace, unneeded unicode escapes and redundant number forms. The input
// must be valid JSON.
func CompactJSON(input []byte, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		// The valid whitespace characters are all less than or equal to SPACE 0x20.
		// The valid non-white characters are all greater than SPACE 0x20.
		// So we can check for whitespace by comparing against SPACE 0x20.
		if c <= ' ' {
			// Skip over whitespace.
			continue
		}
		if c == '"' {
			// We are inside a string.
			output = append(output, c)
			i, output = compactString(input, i, output)
			continue
		}
		if c == '-' || ('0' <= c && c <= '9') {
			// We are inside a number.
			i, output = compactNumber(input, i-1, output)
			continue
		}
		// Non-whitespace structural characters and literals are copied.
		output = append(output, c)
	}
	return output
}

// compactString copies the string from the i'th byte of the input (just after
// the opening quote) up to and including the closing quote, reducing escape
// sequences to the minimal structurally-required set as it goes.
func compactString(input []byte, i int, output []byte) (int, []byte) {
	for i < len(input) {
		c := input[i]
		i++
		if c == '"' {
			output = append(output, c)
			return i, output
		}
		if c != '\\' {
			output = append(output, c)
			continue
		}
		escape := input[i]
		i++
		switch escape {
		case 'u':
			// Unicode escapes are either expanded into UTF-8 or left alone
			// depending on whether the character needs escaping at all.
			i, output = compactUnicodeEscape(input, i, output)
		case '/':
			// JSON does not require escaping '/'.
			output = append(output, '/')
		default:
			// All other escapes are unchanged.
			output = append(output, '\\', escape)
		}
	}
	return i, output
}

// compactUnicodeEscape unpacks a 4 byte unicode escape starting at the i'th
// byte of the input. If the escape is a surrogate pair then decode the
// following \uXXXX escape as well. Returns the output after appending either
// the raw UTF-8 for the character, or the original escape for characters that
// must stay escaped.
func compactUnicodeEscape(input []byte, i int, output []byte) (int, []byte) {
	const (
		ESCAPES = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
		HEX     = "0123456789ABCDEF"
	)
	if len(input)-i < 4 {
		return len(input), output
	}
	c, err := strconv.ParseUint(string(input[i:i+4]), 16, 32)
	if err != nil {
		return i, output
	}
	i += 4
	if c < 0x20 {
		// Control characters must stay escaped. Use the short forms where
		// JSON defines them and \u00XX otherwise.
		escape := ESCAPES[c]
		if escape == 'u' {
			output = append(output, '\\', 'u', '0', '0', HEX[c>>4], HEX[c&0xF])
		} else {
			output = append(output, '\\', escape)
		}
		return i, output
	}
	if c == '"' || c == '\\' {
		return i, append(output, '\\', byte(c))
	}
	if utf16.IsSurrogate(rune(c)) {
		if len(input)-i >= 6 && input[i] == '\\' && input[i+1] == 'u' {
			c2, err := strconv.ParseUint(string(input[i+2:i+6]), 16, 32)
			if err == nil {
				if r := utf16.DecodeRune(rune(c), rune(c2)); r != utf8.RuneError {
					i += 6
					return i, utf8.AppendRune(output, r)
				}
			}
		}
		// An unpaired surrogate is not representable in UTF-8.
		return i, utf8.AppendRune(output, utf8.RuneError)
	}
	return i, utf8.AppendRune(output, rune(c))
}

// compactNumber copies the number starting at the i'th byte of the input,
// re-rendering non-integer forms so that equal values always encode to equal
// bytes regardless of exponent or trailing-zero variation in the input.
func compactNumber(input []byte, i int, output []byte) (int, []byte) {
	start := i
	integer := true
	for i < len(input) {
		c := input[i]
		if c == '.' || c == 'e' || c == 'E' {
			integer = false
		} else if c != '-' && c != '+' && (c < '0' || c > '9') {
			break
		}
		i++
	}
	token := input[start:i]
	if integer {
		return i, append(output, token...)
	}
	f, err := strconv.ParseFloat(string(token), 64)
	if err != nil {
		// Already validated, but be safe and pass the token through.
		return i, append(output, token...)
	}
	if f == float64(int64(f)) && f >= -1e15 && f <= 1e15 {
		// Exactly representable integers lose their fractional/exponent dress.
		return i, strconv.AppendInt(output, int64(f), 10)
	}
	return i, strconv.AppendFloat(output, f, 'g', -1, 64)
}
