// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
)

// These variables may be set via -ldflags at release-build time.
var (
	// Override, when non-empty, takes precedence over build-info
	// resolution in Resolve. Release builds stamp this with the
	// tagged release version.
	Override = ""

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

var semverPrefix = regexp.MustCompile(`^v?(\d+\.\d+\.\d+)`)

// Resolve returns the semantic version the agent reports in its
// heartbeat envelope. It prefers Override; otherwise it extracts the
// longest MAJOR.MINOR.PATCH prefix from the main module's build-info
// version string (as set by `go install pkg@version` or a module-aware
// `go build`). Returns "0.0.0" when no version information is
// available, which is normal for a plain `go build` in a working
// copy.
func Resolve() string {
	if Override != "" {
		return Override
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "0.0.0"
	}

	match := semverPrefix.FindStringSubmatch(info.Main.Version)
	if match == nil {
		return "0.0.0"
	}
	return match[1]
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Resolve(), GitCommit, BuildTime)
}

// Full returns detailed version information including the Go toolchain
// version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
