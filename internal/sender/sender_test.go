// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
)

var senderTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

// fakeShipper is a scriptable Shipper: each call pops the next result
// off results (or returns nil once results is exhausted) and records the
// batch it was handed.
type fakeShipper struct {
	mu      sync.Mutex
	results []error
	calls   [][]queue.Item
}

func (f *fakeShipper) SendBatch(ctx context.Context, items []queue.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, items)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

func openTestQueue(t *testing.T) (*queue.Queue, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(senderTestEpoch)
	q, err := queue.Open(queue.Config{
		Path:   filepath.Join(t.TempDir(), "sender_test.db"),
		Clock:  fakeClock,
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, fakeClock
}

func TestRunOnceWithNoPendingItemsIsANoop(t *testing.T) {
	q, clk := openTestQueue(t)
	shipper := &fakeShipper{}
	s := New(q, shipper, clk, testLogger(t), DefaultBatchSize)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(shipper.calls) != 0 {
		t.Fatalf("expected no SendBatch calls, got %d", len(shipper.calls))
	}
	if s.failures != 0 {
		t.Fatalf("failures = %d, want 0", s.failures)
	}
}

func TestRunOnceSuccessMarksSentAndResetsFailures(t *testing.T) {
	q, clk := openTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "heartbeat", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	shipper := &fakeShipper{}
	s := New(q, shipper, clk, testLogger(t), DefaultBatchSize)
	s.failures = 3 // simulate a prior failure streak

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if s.failures != 0 {
		t.Fatalf("failures = %d, want 0 after success", s.failures)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}
}

func TestRunOnceFailureIncrementsFailuresAndSleepsBackoff(t *testing.T) {
	q, clk := openTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "heartbeat", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	shipErr := errors.New("intake unreachable")
	shipper := &fakeShipper{results: []error{shipErr}}
	s := New(q, shipper, clk, testLogger(t), DefaultBatchSize)

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(ctx) }()

	// RunOnce should be blocked sleeping the 2s backoff (failures=1 →
	// 2^1=2s). Wait for the timer to register, then advance past it.
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	if err := <-done; !errors.Is(err, shipErr) {
		t.Fatalf("RunOnce error = %v, want %v", err, shipErr)
	}
	if s.failures != 1 {
		t.Fatalf("failures = %d, want 1", s.failures)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Leased != 1 {
		t.Fatalf("stats.Leased = %d, want 1 (items stay leased on failure)", stats.Leased)
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},  // 2^6 = 64s, clamped to 60s
		{10, 60 * time.Second}, // exponent clamps at 6, then clamps at 60s
	}
	for _, c := range cases {
		got := backoffDelay(c.failures)
		if got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestRunOnceCancellationDuringSendDoesNotIncrementFailures(t *testing.T) {
	q, clk := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := q.Enqueue(context.Background(), "heartbeat", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	shipper := &cancelingShipper{cancel: cancel}
	s := New(q, shipper, clk, testLogger(t), DefaultBatchSize)

	err := s.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected an error from the cancelled send")
	}
	if s.failures != 0 {
		t.Fatalf("failures = %d, want 0 (cancellation must not count as a failure)", s.failures)
	}
}

// cancelingShipper cancels the context and returns its error, modeling
// a send that fails because of cancellation rather than a transport
// problem.
type cancelingShipper struct {
	cancel context.CancelFunc
}

func (c *cancelingShipper) SendBatch(ctx context.Context, items []queue.Item) error {
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}
