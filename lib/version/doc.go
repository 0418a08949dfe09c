// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package version resolves the agent's reported semantic version.
//
// # Resolution order
//
// [Resolve] first checks [Override], a package-level variable injected
// at release-build time via -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/TRAPD-CLOUD/trapd-agent/lib/version.Override=1.4.2"
//
// When Override is unset (the common case for `go install` and dev
// builds), Resolve falls back to [runtime/debug.ReadBuildInfo] and
// extracts the longest MAJOR.MINOR.PATCH prefix of the main module's
// reported version. If neither source yields a usable version, Resolve
// returns "0.0.0".
//
// [GitCommit] and [BuildTime] are independent -ldflags-injected values
// used only for the --version CLI output, not for the version the
// agent reports in its heartbeat envelope.
package version
