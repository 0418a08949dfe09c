// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/inventory"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
)

var schedulerTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

func openTestQueue(t *testing.T) (*queue.Queue, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(schedulerTestEpoch)
	q, err := queue.Open(queue.Config{
		Path:   filepath.Join(t.TempDir(), "scheduler_test.db"),
		Clock:  fakeClock,
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, fakeClock
}

type stubCollector struct {
	snapshot inventory.Snapshot
}

func (s *stubCollector) Collect() inventory.Snapshot { return s.snapshot }

// fakeSender is a scriptable Sender: each RunOnce call pops the next
// result off results (or returns nil if exhausted).
type fakeSender struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (f *fakeSender) RunOnce(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAgentInfo() AgentInfo {
	return AgentInfo{
		Version:   "1.2.3",
		SensorID:  "sensor-1",
		ProjectID: "project-1",
		StartedAt: schedulerTestEpoch,
	}
}

func TestRunOnceEnqueuesHeartbeatAndInvokesSender(t *testing.T) {
	q, clk := openTestQueue(t)
	ctx := context.Background()

	sender := &fakeSender{}
	collector := &stubCollector{snapshot: inventory.Snapshot{
		Host: inventory.Host{Hostname: "web-1"},
	}}
	s := New(q, sender, collector, clk, testLogger(t), testAgentInfo(), time.Minute)

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sender.callCount() != 1 {
		t.Fatalf("sender.calls = %d, want 1", sender.callCount())
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	// RunOnce inside the sender leases and ships nothing (fakeSender is
	// a pass-through, not the real sender.Sender), but the heartbeat
	// enqueue must have landed a pending row before the sender ran.
	if stats.Total != 1 {
		t.Fatalf("stats.Total = %d, want 1", stats.Total)
	}
}

func TestRunOnceEnvelopeShape(t *testing.T) {
	q, clk := openTestQueue(t)
	ctx := context.Background()

	sender := &fakeSender{}
	collector := &stubCollector{snapshot: inventory.Snapshot{
		Host:     inventory.Host{Hostname: "web-1", OS: "linux"},
		Hardware: inventory.Hardware{CPUCores: 4},
		Identity: inventory.Identity{Domain: "corp.example.com", Joined: true},
	}}
	agent := testAgentInfo()
	s := New(q, sender, collector, clk, testLogger(t), agent, time.Minute)

	clk.Advance(90 * time.Second) // so uptime_seconds is observable and nonzero

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	items, err := q.LeaseBatch(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].Type != "heartbeat" {
		t.Fatalf("Type = %q, want heartbeat", items[0].Type)
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(items[0].PayloadJSON), &envelope); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}

	if envelope["sensor_id"] != "sensor-1" {
		t.Errorf("sensor_id = %v, want sensor-1", envelope["sensor_id"])
	}
	if envelope["kind"] != "heartbeat" {
		t.Errorf("kind = %v, want heartbeat", envelope["kind"])
	}
	host, ok := envelope["host"].(map[string]any)
	if !ok {
		t.Fatalf("host is not an object: %#v", envelope["host"])
	}
	if host["hostname"] != "web-1" {
		t.Errorf("host.hostname = %v, want web-1", host["hostname"])
	}
	agentField, ok := envelope["agent"].(map[string]any)
	if !ok {
		t.Fatalf("agent is not an object: %#v", envelope["agent"])
	}
	if agentField["version"] != "1.2.3" {
		t.Errorf("agent.version = %v, want 1.2.3", agentField["version"])
	}
	if agentField["uptime_seconds"].(float64) != 90 {
		t.Errorf("agent.uptime_seconds = %v, want 90", agentField["uptime_seconds"])
	}
	if _, present := agentField["last_restart"]; present {
		t.Errorf("last_restart should be omitted when RestartKnown is false, got %v", agentField["last_restart"])
	}
}

func TestRunContinuesPastTransientErrorWithFixedBackoff(t *testing.T) {
	q, clk := openTestQueue(t)

	sender := &fakeSender{results: []error{errors.New("send failed")}}
	collector := &stubCollector{}
	s := New(q, sender, collector, clk, testLogger(t), testAgentInfo(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	// First tick's sender.RunOnce fails, so Run should sleep the fixed
	// 5s error backoff rather than the jittered interval.
	clk.WaitForTimers(1)
	clk.Advance(errorBackoff)

	// Second tick succeeds; Run should now sleep the jittered interval.
	clk.WaitForTimers(1)
	cancel()
	clk.Advance(2 * time.Minute) // unblock the jittered sleep's select on ctx.Done

	<-runDone

	if sender.callCount() < 2 {
		t.Fatalf("sender.calls = %d, want at least 2", sender.callCount())
	}
}

func TestJitteredIntervalWithinBounds(t *testing.T) {
	q, clk := openTestQueue(t)
	sender := &fakeSender{}
	collector := &stubCollector{}
	interval := 100 * time.Second
	s := New(q, sender, collector, clk, testLogger(t), testAgentInfo(), interval)

	lower := time.Duration(float64(interval) * 0.9)
	upper := time.Duration(float64(interval) * 1.1)

	for i := 0; i < 50; i++ {
		got := s.jitteredInterval()
		if got < lower || got > upper {
			t.Fatalf("jitteredInterval() = %v, want within [%v, %v]", got, lower, upper)
		}
	}
}

func TestTickReturnsImmediatelyWhenContextAlreadyCancelled(t *testing.T) {
	q, clk := openTestQueue(t)
	sender := &fakeSender{}
	collector := &stubCollector{}
	s := New(q, sender, collector, clk, testLogger(t), testAgentInfo(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.tick(ctx); err == nil {
		t.Fatal("expected an error from tick on an already-cancelled context")
	}
	if sender.callCount() != 0 {
		t.Fatalf("sender.calls = %d, want 0", sender.callCount())
	}
}
