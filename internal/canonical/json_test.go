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
	"testing"
)

func testCanonical(t *testing.T, input, want string) {
	t.Helper()
	got, err := CanonicalJSON([]byte(input))
	if err != nil {
		t.Fatalf("CanonicalJSON(%q) failed: %s", input, err)
	}
	if string(got) != want {
		t.Errorf("CanonicalJSON(%q): got %q want %q", input, got, want)
	}
	// Canonicalising canonical bytes must be a no-op.
	again, err := CanonicalJSON(got)
	if err != nil {
		t.Fatalf("CanonicalJSON(%q) failed on second pass: %s", got, err)
	}
	if string(again) != want {
		t.Errorf("CanonicalJSON(%q) is not idempotent: got %q", got, again)
	}
}

func TestSortsObjectKeys(t *testing.T) {
	testCanonical(t, `{"b":2,"a":1}`, `{"a":1,"b":2}`)
	testCanonical(t, `{"one":1,"two":2,"three":3}`, `{"one":1,"three":3,"two":2}`)
	// Keys sort by raw code point, not alphabetically or by locale.
	testCanonical(t, `{"Z":1,"a":2}`, `{"Z":1,"a":2}`)
	testCanonical(t, `{"é":1,"z":2}`, `{"z":2,"é":1}`)
}

func TestKeyOrderIgnored(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"a":1,"b":{"d":4,"c":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON([]byte(`{"b":{"c":3,"d":4},"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("input key order leaked into output: %q != %q", a, b)
	}
}

func TestPreservesArrayOrder(t *testing.T) {
	testCanonical(t, `[2, 1, 3]`, `[2,1,3]`)
	testCanonical(t, `{"a":[{"y":1,"x":2},[3, 2]]}`, `{"a":[{"x":2,"y":1},[3,2]]}`)
	testCanonical(t, `[]`, `[]`)
	testCanonical(t, `{}`, `{}`)
}

func TestStripsWhitespace(t *testing.T) {
	testCanonical(t, "{\n  \"a\": 1,\r\n\t\"b\": [ 1 , 2 ]\n}", `{"a":1,"b":[1,2]}`)
}

func TestStringEscapes(t *testing.T) {
	// Needless escapes are removed.
	testCanonical(t, `{"a":"\/"}`, `{"a":"/"}`)
	testCanonical(t, `{"a":"\u0041"}`, `{"a":"A"}`)
	// Structural escapes stay.
	testCanonical(t, `{"a":"\""}`, `{"a":"\""}`)
	testCanonical(t, `{"a":"\\"}`, `{"a":"\\"}`)
	// Control characters stay escaped, short forms preferred.
	testCanonical(t, `{"a":"\u000a"}`, `{"a":"\n"}`)
	testCanonical(t, `{"a":"\u0001"}`, `{"a":"\u0001"}`)
	// Unicode escapes outside ASCII become UTF-8.
	testCanonical(t, `{"a":"\u00e9"}`, "{\"a\":\"\u00e9\"}")
	// Surrogate pairs decode to a single rune.
	testCanonical(t, `{"a":"\ud83d\ude00"}`, "{\"a\":\"\U0001f600\"}")
}

func TestNumbers(t *testing.T) {
	testCanonical(t, `{"a":1}`, `{"a":1}`)
	testCanonical(t, `{"a":-0}`, `{"a":-0}`)
	testCanonical(t, `{"a":1.0}`, `{"a":1}`)
	testCanonical(t, `{"a":1e2}`, `{"a":100}`)
	testCanonical(t, `{"a":2.50}`, `{"a":2.5}`)
	testCanonical(t, `{"a":9007199254740991}`, `{"a":9007199254740991}`)
}

func TestScalars(t *testing.T) {
	testCanonical(t, `  true `, `true`)
	testCanonical(t, `"a"`, `"a"`)
	testCanonical(t, `null`, `null`)
}

func TestRejectsInvalidJSON(t *testing.T) {
	for _, input := range []string{`{`, `{"a":}`, ``, `{"a":1}}`} {
		if _, err := CanonicalJSON([]byte(input)); err == nil {
			t.Errorf("CanonicalJSON(%q): expected error, got none", input)
		}
	}
}
