// Copyright 2024 PersistentFS Authors
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

// Package cache provides the in-memory caches that sit in front of the
// persistent storages.
//
// Design Principles:
// 1. Caches are derived state - every cache can be dropped and rebuilt from disk
// 2. Single layer ownership - each cache lives in one layer (no cross-layer signaling)
//
// Currently provides:
// - NameCache: bounded id -> string cache used by the name enumerators
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled.
// Set via PERSISTENTFS_CACHE=0 environment variable.
// When true:
// - NameCache.Get() always misses
// - NameCache.Set() is a no-op
//
// This is useful for testing and debugging to verify logic works correctly
// without caching, and to isolate cache-related bugs.
var Disabled = os.Getenv("PERSISTENTFS_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
