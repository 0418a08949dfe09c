// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves and persists the agent's stable per-host
// sensor identifier.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Source records where a SensorId was resolved from, for diagnostics.
type Source string

const (
	SourceEnv                 Source = "env"
	SourceDeviceIDFile        Source = "device_id_file"
	SourceGeneratedFallback   Source = "generated_fallback"
	SourceGeneratedNew        Source = "generated_new"
	SourceGeneratedMemoryOnly Source = "generated_memory_only"
)

// SensorId is a 32-hex-character opaque host identifier.
type SensorId struct {
	Value  string
	Source Source
}

const envSensorIDOverride = "SENSOR_ID_OVERRIDE"

// Resolve determines the sensor id at startup, following the order:
//  1. SENSOR_ID_OVERRIDE environment variable, if set and non-empty.
//  2. <dataDir>/device_id.txt, if it exists and is readable; if it
//     exists but cannot be read, a new id is generated without being
//     persisted.
//  3. A freshly generated id, persisted to device_id.txt on a
//     best-effort basis.
func Resolve(dataDir string, logger *slog.Logger) SensorId {
	if override := os.Getenv(envSensorIDOverride); override != "" {
		return SensorId{Value: override, Source: SourceEnv}
	}

	path := filepath.Join(dataDir, "device_id.txt")

	if _, statErr := os.Stat(path); statErr == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("device_id.txt exists but could not be read, generating a new id",
				"path", path, "error", err)
			return SensorId{Value: generate(), Source: SourceGeneratedFallback}
		}
		return SensorId{Value: strings.TrimSpace(string(data)), Source: SourceDeviceIDFile}
	}

	id := generate()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		logger.Warn("could not persist new sensor id, continuing in-memory only",
			"path", path, "error", err)
		return SensorId{Value: id, Source: SourceGeneratedMemoryOnly}
	}
	return SensorId{Value: id, Source: SourceGeneratedNew}
}

// generate returns a fresh 32-hex-character id.
func generate() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("identity: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
