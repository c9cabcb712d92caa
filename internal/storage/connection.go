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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"persistentfs/internal/common"
	"persistentfs/internal/util"
)

// CorruptionMarker is the document written to corruption.marker.
type CorruptionMarker struct {
	Incident string    `yaml:"incident"`
	Time     time.Time `yaml:"time"`
	Reason   string    `yaml:"reason"`
	Stack    string    `yaml:"stack,omitempty"`
}

// ReadCorruptionMarker returns the marker of the store in dir, if any.
func ReadCorruptionMarker(dir string) (*CorruptionMarker, error) {
	data, err := os.ReadFile(filepath.Join(dir, CorruptionMarkerFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m CorruptionMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		// An unparsable marker still marks the store corrupted.
		return &CorruptionMarker{Reason: string(data)}, nil
	}
	return &m, nil
}

func writeCorruptionMarker(dir, reason string) (*CorruptionMarker, error) {
	m := &CorruptionMarker{
		Incident: uuid.New().String(),
		Time:     time.Now().UTC(),
		Reason:   reason,
		Stack:    string(debug.Stack()),
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	return m, os.WriteFile(filepath.Join(dir, CorruptionMarkerFile), data, 0644)
}

func (s *Store) file(name string) string {
	return filepath.Join(s.dir, name+s.opts.Extension)
}

// Open opens the store in dir, creating it if needed. A store that was not
// closed safely, carries a corruption marker or was created with different
// features is wiped and recreated. Only one Store may have dir open.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, common.NewIOError("create store dir", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, common.NewIOError("lock store dir", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", common.ErrAlreadyOpen, dir)
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		features: *opts.Features,
		lock:     lock,
		metrics:  newStoreMetrics(opts.MetricsRegisterer),
		index:    newNameIndex(),
	}

	err = util.Retry(ctx, func() error {
		return s.connect(ctx)
	}, util.RebuildRetryOptions(ctx, opts.MaxRebuildAttempts,
		func(err error) bool {
			return !common.IsCancellation(err)
		},
		func(n uint, err error) {
			log.WithError(err).WithFields(log.Fields{"dir": dir, "attempt": n + 1}).
				Warn("store failed to open, rebuilding")
			s.metrics.rebuilt("error")
			s.rebuilt = true
			if werr := s.wipe(); werr != nil {
				log.WithError(werr).WithField("dir", dir).Error("failed to wipe store")
			}
		})...)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}

	log.WithFields(log.Fields{
		"dir":     dir,
		"records": s.records.RecordCount(),
		"rebuilt": s.rebuilt,
		"version": fmt.Sprintf("%#x", s.features.FormatVersion()),
	}).Info("store connected")
	s.metrics.recordCount(s.records.RecordCount())

	if opts.FlushInterval > 0 {
		s.flusher = newFlusher(s, opts.FlushInterval)
		s.flusher.start()
	}
	for _, l := range opts.Listeners {
		l.Connected(s)
	}
	return s, nil
}

// rebuildCause returns why the on-disk store can't be used, or "".
func (s *Store) rebuildCause() (string, error) {
	marker, err := ReadCorruptionMarker(s.dir)
	if err != nil {
		return "", common.NewIOError("read corruption marker", err)
	}
	if marker != nil {
		return "marker", nil
	}
	h, exists, err := readHeaderOnly(s.file(recordsFile))
	if err != nil {
		if common.IsCorruption(err) {
			return "status", nil
		}
		return "", err
	}
	if !exists {
		return "", nil
	}
	if h.version != s.features.FormatVersion() {
		return "version", nil
	}
	if h.status != SafelyClosedMagic {
		return "status", nil
	}
	return "", nil
}

// connect is one attempt at opening every backing file.
func (s *Store) connect(ctx context.Context) (err error) {
	cause, err := s.rebuildCause()
	if err != nil {
		return err
	}
	if cause != "" {
		log.WithFields(log.Fields{"dir": s.dir, "cause": cause}).Warn("rebuilding store from scratch")
		s.metrics.rebuilt(cause)
		s.rebuilt = true
		if err := s.wipe(); err != nil {
			return common.NewIOError("wipe store", err)
		}
	}

	defer func() {
		if err != nil {
			s.discardFiles()
		}
	}()

	records, fresh, err := openRecordsStorage(s.file(recordsFile), s.features, time.Now().UnixNano())
	if err != nil {
		return err
	}
	s.records = records
	if fresh {
		s.records.SetFlags(RootID, FlagDirectory)
	}
	owner := records.CreationTimestamp()

	if s.names, err = openEnumerator(ctx, s.file(namesFile), "names", owner, s.opts.NameCacheSize); err != nil {
		return err
	}
	if err := s.checkNameIDs(); err != nil {
		return err
	}
	if s.attrEnum, err = openEnumerator(ctx, s.file(attrEnumFile), "attribute ids", owner, 1024); err != nil {
		return err
	}
	if s.features.ContentHashing {
		if s.hashes, err = openEnumerator(ctx, s.file(contentHashesFile), "content hashes", owner, 0); err != nil {
			return err
		}
	}
	if s.attrBlobs, err = openBlobStorage(s.file(attributesFile), "attributes"); err != nil {
		return err
	}
	if s.contentBlobs, err = openBlobStorage(s.file(contentFile), "content"); err != nil {
		return err
	}
	s.attrs = newAttributeStore(s.attrBlobs, s.attrEnum, s.features)
	if s.content, err = openContentStore(s.contentBlobs, s.hashes, s.features, s.metrics); err != nil {
		return err
	}
	if s.accessor, err = newRecordAccessor(s.records); err != nil {
		return err
	}
	s.index.Invalidate()

	// Writes flip the status to CONNECTED before they touch any file.
	return s.forceAll()
}

// checkNameIDs fails if a record names an id the names enumerator never
// produced, e.g. after the names file was lost.
func (s *Store) checkNameIDs() error {
	limit := s.names.MaxID()
	return s.records.ProcessAllNames(func(id, nameID int32, _ uint32) error {
		if nameID > limit {
			return common.Corruptf("record %d has name id %d, names end at %d", id, nameID, limit)
		}
		return nil
	})
}

// discardFiles closes whatever connect opened, without flushing.
func (s *Store) discardFiles() {
	if s.records != nil {
		s.records.Discard()
	}
	for _, e := range []*Enumerator{s.names, s.attrEnum, s.hashes} {
		if e != nil {
			e.Close()
		}
	}
	for _, b := range []*blobStorage{s.attrBlobs, s.contentBlobs} {
		if b != nil {
			b.file.Close()
		}
	}
	s.records, s.names, s.attrEnum, s.hashes = nil, nil, nil, nil
	s.attrBlobs, s.contentBlobs, s.attrs, s.content, s.accessor = nil, nil, nil, nil, nil
}

// wipe deletes every backing file and the corruption marker.
func (s *Store) wipe() error {
	var errs []error
	for _, name := range []string{recordsFile, attributesFile, contentFile} {
		if err := os.Remove(s.file(name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	for _, name := range []string{namesFile, attrEnumFile, contentHashesFile} {
		if err := removeSQLiteFiles(s.file(name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(filepath.Join(s.dir, CorruptionMarkerFile)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// forceAll syncs the blob files in parallel, then writes the records with
// status SAFELY_CLOSED. The records go last so a header saying SAFELY_CLOSED
// never describes blobs that are not on disk yet.
func (s *Store) forceAll() error {
	var g errgroup.Group
	g.Go(s.attrBlobs.force)
	g.Go(s.contentBlobs.force)
	if err := g.Wait(); err != nil {
		return err
	}
	s.records.SetConnectionStatus(SafelyClosedMagic)
	if s.corrupted.Load() {
		s.records.SetConnectionStatus(CorruptedMagic)
	}
	return s.records.Force()
}

// markConnected durably flips a flushed store back to CONNECTED before the
// first mutation after a flush. Callers hold the write lock.
func (s *Store) markConnected() error {
	if s.records.ConnectionStatus() != SafelyClosedMagic {
		return nil
	}
	s.records.SetConnectionStatus(ConnectedMagic)
	return s.records.Force()
}

func (s *Store) isDirty() bool {
	return s.records.IsDirty() || s.attrBlobs.isDirty() || s.contentBlobs.isDirty()
}

// Force flushes all dirty state to disk.
func (s *Store) Force() error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handleError(s.forceAll(), true)
}

// Close flushes the store, marks it safely closed and releases the
// directory lock. A corrupted store keeps its CORRUPTED status.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.flusher != nil {
		s.flusher.halt()
	}
	for _, l := range s.opts.Listeners {
		l.Disconnecting(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.lock.Unlock()

	err := s.forceAll()

	errs := []error{err}
	errs = append(errs, s.records.Close(), s.attrBlobs.close(), s.contentBlobs.close())
	for _, e := range []*Enumerator{s.names, s.attrEnum, s.hashes} {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.WithError(err).WithField("dir", s.dir).Error("store closed with errors")
		return err
	}
	log.WithField("dir", s.dir).Info("store closed")
	return nil
}

// crash closes the store like a killed process would: nothing unflushed is
// written and the status stays CONNECTED.
func (s *Store) crash() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.flusher != nil {
		s.flusher.halt()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardFiles()
	s.lock.Unlock()
}

// handleError classifies err at the store boundary. Cancellation passes
// through. Corruption, and any I/O failure escaping a write, marks the store
// corrupted.
func (s *Store) handleError(err error, write bool) error {
	if err == nil || common.IsCancellation(err) {
		return err
	}
	if common.IsCorruption(err) || (write && errors.Is(err, common.ErrIO)) {
		s.markCorrupted(err)
	}
	return err
}

// MarkCorrupted marks the store corrupted so the next Open rebuilds it.
func (s *Store) MarkCorrupted(reason string) error {
	return s.markCorrupted(errors.New(reason))
}

func (s *Store) markCorrupted(cause error) error {
	if !s.corrupted.CompareAndSwap(false, true) {
		return nil
	}
	s.metrics.corrupted()
	m, err := writeCorruptionMarker(s.dir, cause.Error())
	entry := log.WithError(cause).WithField("dir", s.dir)
	if m != nil {
		entry = entry.WithField("incident", m.Incident)
	}
	entry.Error("store is corrupted and will be rebuilt on next open")
	if err != nil {
		log.WithError(err).WithField("dir", s.dir).Error("failed to write corruption marker")
	}

	s.records.SetConnectionStatus(CorruptedMagic)
	if ferr := s.records.Force(); ferr != nil {
		// The header may still say CONNECTED, which also forces a rebuild.
		log.WithError(ferr).WithField("dir", s.dir).Warn("failed to persist corrupted status")
	}
	if !s.opts.Headless && s.opts.Notifier != nil {
		s.opts.Notifier(cause)
	}
	return err
}

// IsCorrupted reports whether the store was marked corrupted.
func (s *Store) IsCorrupted() bool {
	return s.corrupted.Load()
}
