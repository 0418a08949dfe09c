// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

func writeConfigFile(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshaling config fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForMissingFile(t *testing.T) {
	t.Setenv(EnvAPIURLOverride, "")
	t.Setenv(EnvProjectIDOverride, "test-project")
	t.Setenv(EnvAPIKeyOverride, "")

	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	cfg, err := Load(path, testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want %q", cfg.APIURL, DefaultAPIURL)
	}
	if cfg.IntervalSeconds != DefaultIntervalSeconds {
		t.Errorf("IntervalSeconds = %d, want %d", cfg.IntervalSeconds, DefaultIntervalSeconds)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, DefaultLogLevel)
	}
	if cfg.ProjectID != "test-project" {
		t.Errorf("ProjectID = %q, want test-project", cfg.ProjectID)
	}
}

func TestLoadTreatsMalformedJSONAsDefaults(t *testing.T) {
	t.Setenv(EnvAPIURLOverride, "")
	t.Setenv(EnvProjectIDOverride, "test-project")
	t.Setenv(EnvAPIKeyOverride, "")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not valid json`), 0o600); err != nil {
		t.Fatalf("writing malformed config: %v", err)
	}

	cfg, err := Load(path, testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IntervalSeconds != DefaultIntervalSeconds {
		t.Errorf("IntervalSeconds = %d, want %d", cfg.IntervalSeconds, DefaultIntervalSeconds)
	}
}

func TestLoadEnvironmentOverridesTakePrecedenceOverFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"api_url":    "https://file.example.com",
		"project_id": "file-project",
		"interval_s": 30,
	})

	t.Setenv(EnvAPIURLOverride, "https://env.example.com")
	t.Setenv(EnvProjectIDOverride, "env-project")
	t.Setenv(EnvAPIKeyOverride, "env-api-key")

	cfg, err := Load(path, testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "https://env.example.com" {
		t.Errorf("APIURL = %q, want env override", cfg.APIURL)
	}
	if cfg.ProjectID != "env-project" {
		t.Errorf("ProjectID = %q, want env override", cfg.ProjectID)
	}
	if cfg.APIKeyOverride != "env-api-key" {
		t.Errorf("APIKeyOverride = %q, want env-api-key", cfg.APIKeyOverride)
	}
}

func TestLoadMissingProjectIDIsFatal(t *testing.T) {
	t.Setenv(EnvAPIURLOverride, "")
	t.Setenv(EnvProjectIDOverride, "")
	t.Setenv(EnvAPIKeyOverride, "")

	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	_, err := Load(path, testLogger(t))
	if err == nil {
		t.Fatal("expected an error when project_id is absent from every source")
	}
	var configErr *agenterrors.ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("error is not a ConfigError: %v", err)
	}
}

func TestClampSubstitutesDefaults(t *testing.T) {
	cases := []struct {
		name string
		cfg  AgentConfig
		want AgentConfig
	}{
		{
			name: "interval too low",
			cfg:  AgentConfig{IntervalSeconds: 1, BatchSize: 50, LogLevel: "Information"},
			want: AgentConfig{IntervalSeconds: DefaultIntervalSeconds, BatchSize: 50, LogLevel: "Information"},
		},
		{
			name: "interval too high",
			cfg:  AgentConfig{IntervalSeconds: 999999, BatchSize: 50, LogLevel: "Information"},
			want: AgentConfig{IntervalSeconds: DefaultIntervalSeconds, BatchSize: 50, LogLevel: "Information"},
		},
		{
			name: "batch size too low",
			cfg:  AgentConfig{IntervalSeconds: 60, BatchSize: 0, LogLevel: "Information"},
			want: AgentConfig{IntervalSeconds: 60, BatchSize: DefaultBatchSize, LogLevel: "Information"},
		},
		{
			name: "batch size too high",
			cfg:  AgentConfig{IntervalSeconds: 60, BatchSize: 5000, LogLevel: "Information"},
			want: AgentConfig{IntervalSeconds: 60, BatchSize: DefaultBatchSize, LogLevel: "Information"},
		},
		{
			name: "unrecognized log level",
			cfg:  AgentConfig{IntervalSeconds: 60, BatchSize: 50, LogLevel: "Verbose"},
			want: AgentConfig{IntervalSeconds: 60, BatchSize: 50, LogLevel: DefaultLogLevel},
		},
		{
			name: "empty log level",
			cfg:  AgentConfig{IntervalSeconds: 60, BatchSize: 50, LogLevel: ""},
			want: AgentConfig{IntervalSeconds: 60, BatchSize: 50, LogLevel: DefaultLogLevel},
		},
		{
			name: "all valid values pass through unchanged",
			cfg:  AgentConfig{IntervalSeconds: 120, BatchSize: 200, LogLevel: "Debug"},
			want: AgentConfig{IntervalSeconds: 120, BatchSize: 200, LogLevel: "Debug"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.cfg
			cfg.clamp(testLogger(t))
			if cfg.IntervalSeconds != c.want.IntervalSeconds {
				t.Errorf("IntervalSeconds = %d, want %d", cfg.IntervalSeconds, c.want.IntervalSeconds)
			}
			if cfg.BatchSize != c.want.BatchSize {
				t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, c.want.BatchSize)
			}
			if cfg.LogLevel != c.want.LogLevel {
				t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, c.want.LogLevel)
			}
		})
	}
}
