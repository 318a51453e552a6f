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

package caching

import "time"

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	// Trust answers are derived, never authoritative, so they are cached
	// under keys that include the owning user's hierarchy epoch. Bumping
	// the epoch on any key or signature change makes stale entries
	// unreachable without an explicit invalidation pass.
	UserTrust   Cache[string, bool]
	DeviceTrust Cache[string, DeviceTrust]
}

// DeviceTrust is the cached answer for a device trust query.
type DeviceTrust struct {
	CrossSignedVerified bool
	LocallyVerified     bool
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	comparable
}

type costable interface {
	CacheCost() int64
}

type CacheSize int64

const (
	_            = iota
	KB CacheSize = 1 << (10 * iota)
	MB
	GB
	TB
)

const CacheNoMaxAge = time.Duration(0)
