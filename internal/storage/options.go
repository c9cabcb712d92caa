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

package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultFlushInterval      = 5 * time.Second
	DefaultMaxRebuildAttempts = 3
	DefaultNameCacheSize      = 100000
)

// ConnectionListener is notified after the store (re)connects and right
// before a deliberate disconnect, so dependents can drop their caches.
type ConnectionListener interface {
	Connected(s *Store)
	Disconnecting(s *Store)
}

// Options configures Open.
type Options struct {
	// Extension of the backing files, including the dot.
	Extension string
	// Features select the on-disk format. Changing them rebuilds the store.
	// nil selects DefaultFeatures; a non-nil value is used as is, all-off included.
	Features *Features
	// FlushInterval of the background flusher; 0 or negative disables it.
	FlushInterval time.Duration
	// MaxRebuildAttempts bounds the wipe-and-recreate loop of Open.
	MaxRebuildAttempts uint
	// Headless suppresses Notifier on corruption (tests, CLI).
	Headless bool
	// NameCacheSize bounds each enumerator's in-memory cache.
	NameCacheSize int

	Listeners []ConnectionListener
	// Notifier is called with the cause when the store gets corrupted.
	Notifier func(err error)
	// MetricsRegisterer receives the store metrics; nil disables them.
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	features := DefaultFeatures()
	return Options{
		Extension:          DefaultExtension,
		Features:           &features,
		FlushInterval:      DefaultFlushInterval,
		MaxRebuildAttempts: DefaultMaxRebuildAttempts,
		NameCacheSize:      DefaultNameCacheSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Extension == "" {
		o.Extension = d.Extension
	}
	if o.Features == nil {
		o.Features = d.Features
	}
	if o.MaxRebuildAttempts == 0 {
		o.MaxRebuildAttempts = d.MaxRebuildAttempts
	}
	if o.NameCacheSize == 0 {
		o.NameCacheSize = d.NameCacheSize
	}
	return o
}
