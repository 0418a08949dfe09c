// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentlog sets up the agent's structured JSON logger, mapping
// the config file's LogLevel names onto slog levels.
package agentlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level names recognized in AgentConfig.LogLevel, ordered from most to
// least verbose.
const (
	Trace       = "Trace"
	Debug       = "Debug"
	Information = "Information"
	Warning     = "Warning"
	Error       = "Error"
	Critical    = "Critical"
)

// levelValue maps each recognized level name to an slog.Level. Trace
// and Critical fall outside slog's four built-in levels, so they are
// given values one step beyond Debug and Error respectively.
var levelValue = map[string]slog.Level{
	Trace:       slog.LevelDebug - 4,
	Debug:       slog.LevelDebug,
	Information: slog.LevelInfo,
	Warning:     slog.LevelWarn,
	Error:       slog.LevelError,
	Critical:    slog.LevelError + 4,
}

// ParseLevel resolves a config LogLevel name to an slog.Level,
// defaulting to Information for an unrecognized or empty name.
func ParseLevel(name string) slog.Level {
	if level, ok := levelValue[name]; ok {
		return level
	}
	return slog.LevelInfo
}

// New opens the agent's log file for append and returns a JSON-lines
// logger filtered at the given level. The file handle is never closed
// by the returned logger; the caller closes it (or relies on process
// exit) since the log file lives for the lifetime of the process.
func New(path string, level slog.Level) (*slog.Logger, io.Closer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, file, nil
}
