package storage

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFlusherFlushesIdleStore(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.FlushInterval = 20 * time.Millisecond
		o.MetricsRegisterer = reg
	})
	defer s.Close()

	id, err := s.CreateRecord(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(s.SetLength(id, 10)).To(Succeed())

	g.Eventually(s.isDirty).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(BeFalse())
	g.Expect(testutil.ToFloat64(s.metrics.flushes.WithLabelValues("flushed"))).To(BeNumerically(">=", 1))
}

func TestFlusherSkipsDuringHeavyOperation(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.FlushInterval = 10 * time.Millisecond
		o.MetricsRegisterer = reg
	})
	defer s.Close()

	release := s.StartHeavyOperation()
	id, err := s.CreateRecord(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(s.SetTimestamp(id, 1)).To(Succeed())

	g.Eventually(func() float64 {
		return testutil.ToFloat64(s.metrics.flushes.WithLabelValues("skipped_heavy"))
	}).WithTimeout(2 * time.Second).Should(BeNumerically(">=", 2))
	g.Consistently(s.isDirty).WithTimeout(50 * time.Millisecond).Should(BeTrue())

	release()
	release() // idempotent
	g.Eventually(s.isDirty).WithTimeout(2 * time.Second).Should(BeFalse())
}

func TestFlusherWaitsForQuietTick(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	f := newFlusher(s, time.Hour)
	id, err := s.CreateRecord(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f.tick()
	if !s.isDirty() {
		t.Fatal("a tick right after a write must not flush")
	}
	f.tick()
	if s.isDirty() {
		t.Fatal("a quiet tick must flush")
	}

	if err := s.SetLength(id, 1); err != nil {
		t.Fatal(err)
	}
	f.tick()
	if !s.isDirty() {
		t.Fatal("a write resets the quiet period")
	}
}
