// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives the agent's steady-state loop: at each
// tick, collect a host inventory snapshot, enqueue a heartbeat
// envelope, and invoke the batch sender.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/inventory"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
)

// errorBackoff is the fixed sleep after a transient error in any step
// of a tick, before the next tick's collect starts.
const errorBackoff = 5 * time.Second

// jitterFraction bounds the cadence jitter applied to interval_seconds:
// the tick delay is interval_seconds × (1 + u), u ∈ [-jitterFraction, +jitterFraction].
const jitterFraction = 0.10

// Sender executes one drain cycle. Implemented by *sender.Sender.
type Sender interface {
	RunOnce(ctx context.Context) error
}

// Collector produces a host inventory snapshot. Implemented by
// *inventory.Collector.
type Collector interface {
	Collect() inventory.Snapshot
}

// AgentInfo is the static build/identity information stamped into
// every heartbeat: SensorID and ProjectID as top-level envelope
// fields, the rest in the "agent" section.
type AgentInfo struct {
	Version      string
	SensorID     string
	ProjectID    string
	StartedAt    time.Time
	LastRestart  time.Time
	RestartKnown bool
}

// Scheduler drives the collect → enqueue → send loop at a jittered
// cadence until its context is cancelled.
type Scheduler struct {
	queue     *queue.Queue
	sender    Sender
	collector Collector
	clock     clock.Clock
	logger    *slog.Logger
	agent     AgentInfo
	interval  time.Duration
	rng       *rand.Rand
}

// New builds a Scheduler that ticks every interval (before jitter).
func New(q *queue.Queue, s Sender, collector Collector, clk clock.Clock, logger *slog.Logger, agent AgentInfo, interval time.Duration) *Scheduler {
	return &Scheduler{
		queue:     q,
		sender:    s,
		collector: collector,
		clock:     clk,
		logger:    logger,
		agent:     agent,
		interval:  interval,
		rng:       rand.New(rand.NewSource(agent.StartedAt.UnixNano())),
	}
}

// Run executes the steady-state loop until ctx is cancelled. Each
// iteration:
//  1. Collects an inventory snapshot.
//  2. Builds the heartbeat envelope and enqueues it.
//  3. Invokes the sender's RunOnce.
//  4. On any non-cancellation error from 1-3, logs it and sleeps a
//     fixed 5s backoff before the next iteration.
//  5. Sleeps interval × (1 + u), u ∈ [-0.10, +0.10], honoring
//     cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("tick failed, retrying shortly", "error", err)
			select {
			case <-s.clock.After(errorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-s.clock.After(s.jitteredInterval()):
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes a single collect/enqueue/send cycle without the
// surrounding loop, for callers such as the command line's --once mode.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	snapshot := s.collector.Collect()
	envelope := s.buildEnvelope(snapshot)

	if _, err := s.queue.Enqueue(ctx, "heartbeat", envelope); err != nil {
		return fmt.Errorf("enqueue heartbeat: %w", err)
	}

	if err := s.sender.RunOnce(ctx); err != nil {
		return fmt.Errorf("run sender: %w", err)
	}

	return nil
}

// heartbeatEnvelope is the wire shape enqueued for every tick.
type heartbeatEnvelope struct {
	SensorID  string             `json:"sensor_id"`
	ProjectID string             `json:"project_id"`
	Timestamp string             `json:"ts"`
	Kind      string             `json:"kind"`
	Message   string             `json:"message"`
	Host      inventory.Host     `json:"host"`
	Agent     heartbeatAgentInfo `json:"agent"`
	Hardware  *inventory.Hardware `json:"hardware,omitempty"`
	Identity  inventory.Identity `json:"identity"`
}

type heartbeatAgentInfo struct {
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastRestart   *string `json:"last_restart,omitempty"`
}

func (s *Scheduler) buildEnvelope(snapshot inventory.Snapshot) heartbeatEnvelope {
	now := s.clock.Now().UTC()

	var lastRestart *string
	if s.agent.RestartKnown {
		formatted := s.agent.LastRestart.UTC().Format(time.RFC3339)
		lastRestart = &formatted
	}

	return heartbeatEnvelope{
		SensorID:  s.agent.SensorID,
		ProjectID: s.agent.ProjectID,
		Timestamp: now.Format(time.RFC3339),
		Kind:      "heartbeat",
		Message:   "heartbeat",
		Host:      snapshot.Host,
		Agent: heartbeatAgentInfo{
			Version:       s.agent.Version,
			UptimeSeconds: now.Sub(s.agent.StartedAt).Seconds(),
			LastRestart:   lastRestart,
		},
		Hardware: &snapshot.Hardware,
		Identity: snapshot.Identity,
	}
}

// jitteredInterval returns interval × (1 + u), u ∈ [-jitterFraction, +jitterFraction].
func (s *Scheduler) jitteredInterval() time.Duration {
	u := (s.rng.Float64()*2 - 1) * jitterFraction
	return time.Duration(float64(s.interval) * (1 + u))
}
