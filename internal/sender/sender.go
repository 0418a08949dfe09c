// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package sender executes one drain cycle of the durable queue against
// the transport client, and owns the consecutive-failure counter that
// drives backoff between cycles.
package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
)

// DefaultBatchSize is the number of items leased per drain cycle when
// the caller does not specify one. It matches AgentConfig's default
// batch_size, so an agent running with default config leases exactly
// this many items per cycle.
const DefaultBatchSize = 100

// LeaseFor is how long a leased batch is held before its lease expires
// and it becomes eligible for reclamation.
const LeaseFor = 5 * time.Minute

// maxBackoffExponent caps the doubling in the backoff formula: delay =
// min(60s, 2^min(failures, 6) seconds), so the largest exponent used
// is 6 (64s, itself clamped to the 60s ceiling).
const maxBackoffExponent = 6

const maxBackoff = 60 * time.Second

// Shipper sends a leased batch to the remote intake. Implemented by
// *transport.Client; declared here so sender does not import transport
// directly, keeping the dependency graph acyclic and the interface
// substitutable in tests.
type Shipper interface {
	SendBatch(ctx context.Context, items []queue.Item) error
}

// Sender drains the queue one batch at a time, tracking consecutive
// failures to compute the backoff delay after a failed send.
type Sender struct {
	queue     *queue.Queue
	shipper   Shipper
	clock     clock.Clock
	logger    *slog.Logger
	batchSize int
	failures  int
}

// New builds a Sender that leases batchSize items per RunOnce call. A
// batchSize <= 0 falls back to DefaultBatchSize.
func New(q *queue.Queue, shipper Shipper, clk clock.Clock, logger *slog.Logger, batchSize int) *Sender {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sender{queue: q, shipper: shipper, clock: clk, logger: logger, batchSize: batchSize}
}

// RunOnce leases up to the configured batch size and attempts to ship them.
//
//   - No pending items: returns immediately, the failure counter is
//     untouched.
//   - Ship succeeds: the batch is marked Sent and the failure counter
//     resets to 0.
//   - Ship fails: the failure counter increments and RunOnce sleeps
//     the resulting backoff delay before returning, honoring ctx
//     cancellation. Leased items are not released explicitly — their
//     lease expires on its own and lease_batch reclaims them later,
//     so a crash mid-send and a network failure look identical to the
//     rest of the system.
//   - ctx is cancelled during the send itself: the failure counter is
//     left untouched and RunOnce returns immediately without sleeping.
func (s *Sender) RunOnce(ctx context.Context) error {
	items, err := s.queue.LeaseBatch(ctx, s.batchSize, LeaseFor)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	sendErr := s.shipper.SendBatch(ctx, items)
	if sendErr == nil {
		ids := make([]int64, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := s.queue.MarkSent(ctx, ids); err != nil {
			return err
		}
		s.failures = 0
		return nil
	}

	if ctx.Err() != nil {
		return sendErr
	}

	s.failures++
	delay := backoffDelay(s.failures)
	s.logger.Warn("batch send failed, backing off",
		"error", sendErr,
		"consecutive_failures", s.failures,
		"backoff", delay,
	)

	select {
	case <-s.clock.After(delay):
	case <-ctx.Done():
	}

	return sendErr
}

// backoffDelay computes min(60s, 2^min(failures, 6) seconds).
func backoffDelay(failures int) time.Duration {
	exponent := failures
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	delay := time.Second << exponent
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
