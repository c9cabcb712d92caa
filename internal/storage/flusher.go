package storage

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// flusher periodically forces dirty state to disk. A tick flushes only when
// no write happened since the previous tick and no heavy operation is
// running, so a busy store is not fsync'ed on every tick.
type flusher struct {
	store    *Store
	interval time.Duration

	stop chan struct{}
	done sync.WaitGroup

	lastMod int32
}

func newFlusher(s *Store, interval time.Duration) *flusher {
	return &flusher{
		store:    s,
		interval: interval,
		stop:     make(chan struct{}),
		lastMod:  s.records.GlobalModCount(),
	}
}

func (f *flusher) start() {
	f.done.Add(1)
	go func() {
		defer f.done.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.tick()
			}
		}
	}()
}

func (f *flusher) tick() {
	s := f.store
	if s.heavyOps.Load() > 0 {
		s.metrics.flushed("skipped_heavy")
		return
	}
	mod := s.records.GlobalModCount()
	if mod != f.lastMod {
		f.lastMod = mod
		s.metrics.flushed("skipped_busy")
		return
	}
	if !s.isDirty() {
		s.metrics.flushed("clean")
		return
	}
	if err := s.Force(); err != nil {
		log.WithError(err).WithField("dir", s.dir).Warn("background flush failed")
		s.metrics.flushed("error")
		return
	}
	s.metrics.flushed("flushed")
}

// halt stops the flusher and waits for an in-flight tick.
func (f *flusher) halt() {
	close(f.stop)
	f.done.Wait()
}
