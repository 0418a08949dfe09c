// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo probes the local host's CPU, memory, and disk
// inventory for the agent's heartbeat envelope.
//
// Probe reads CPU model and core count from /proc/cpuinfo and /sys,
// total RAM from sysinfo(2), and free/total space for a data directory
// via statfs(2). A probe that cannot read a given file degrades that
// field to its zero value rather than failing — the heartbeat envelope
// is still enqueued with partial hardware data.
package hwinfo
