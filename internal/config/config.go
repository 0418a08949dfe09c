// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package config resolves the agent's data directory and loads its
// AgentConfig, applying environment overrides and clamping
// out-of-range values.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/agentlog"
)

const productName = "trapd-agent"

// Environment variables recognized by Load and DataDir.
const (
	EnvDataDirOverride  = "DATA_DIR_OVERRIDE"
	EnvAPIURLOverride   = "API_URL_OVERRIDE"
	EnvProjectIDOverride = "PROJECT_ID_OVERRIDE"
	EnvAPIKeyOverride   = "API_KEY_OVERRIDE"
	EnvSensorIDOverride = "SENSOR_ID_OVERRIDE"
)

// Defaults applied for clamped or absent values.
const (
	DefaultAPIURL          = "https://api.trapd.io"
	DefaultIntervalSeconds = 60
	DefaultBatchSize       = 100
	DefaultLogLevel        = "Information"

	minIntervalSeconds = 10
	maxIntervalSeconds = 3600
	minBatchSize       = 1
	maxBatchSize       = 1000
)

// AgentConfig is the agent's immutable-after-load runtime
// configuration.
type AgentConfig struct {
	APIURL          string `json:"api_url"`
	ProjectID       string `json:"project_id"`
	IntervalSeconds int    `json:"interval_s"`
	BatchSize       int    `json:"batch_size"`
	LogLevel        string `json:"log_level"`

	// APIKeyOverride is set only when API_KEY_OVERRIDE is present in
	// the environment; it bypasses the sealed-store lookup entirely.
	// Empty in the common case where the key comes from secrets/api_key.enc.
	APIKeyOverride string `json:"-"`
}

// Paths enumerates the files and directories the agent reads and
// writes, all rooted at a resolved data directory.
type Paths struct {
	DataDir    string
	ConfigFile string
	SecretsDir string
	APIKeyFile string
	DeviceKeyFile string
	QueueFile  string
	LogFile    string
	DeviceIDFile string
}

// DataDir resolves the agent's data directory: DATA_DIR_OVERRIDE if
// set and non-empty, otherwise the platform's shared application data
// directory joined with the product name.
func DataDir() string {
	if override := os.Getenv(EnvDataDirOverride); override != "" {
		return override
	}
	return filepath.Join(platformAppDataDir(), productName)
}

// platformAppDataDir returns the base directory under which
// per-product application data is conventionally stored, without
// creating it.
func platformAppDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(string(os.PathSeparator), "var", "lib")
	}
	return filepath.Join(home, ".local", "share")
}

// ResolvePaths derives every file path the agent uses from dataDir and
// ensures dataDir and its secrets/ subdirectory exist.
func ResolvePaths(dataDir string) (Paths, error) {
	paths := Paths{
		DataDir:       dataDir,
		ConfigFile:    filepath.Join(dataDir, "config.json"),
		SecretsDir:    filepath.Join(dataDir, "secrets"),
		APIKeyFile:    filepath.Join(dataDir, "secrets", "api_key.enc"),
		DeviceKeyFile: filepath.Join(dataDir, "secrets", "device.key"),
		QueueFile:     filepath.Join(dataDir, "queue.db"),
		LogFile:       filepath.Join(dataDir, "agent.log"),
		DeviceIDFile:  filepath.Join(dataDir, "device_id.txt"),
	}

	if err := os.MkdirAll(paths.SecretsDir, 0o700); err != nil {
		return Paths{}, agenterrors.NewConfigError("paths", fmt.Errorf("creating data directory: %w", err))
	}

	return paths, nil
}

// Load reads configFile if present, applies environment overrides,
// and clamps out-of-range values. A missing file is not an error —
// defaults apply. Malformed JSON is logged and defaults apply for the
// fields that could not be parsed. Absent project_id from every
// source (the file and PROJECT_ID_OVERRIDE) is a fatal ConfigError.
func Load(configFile string, logger *slog.Logger) (*AgentConfig, error) {
	cfg := &AgentConfig{
		APIURL:          DefaultAPIURL,
		IntervalSeconds: DefaultIntervalSeconds,
		BatchSize:       DefaultBatchSize,
		LogLevel:        DefaultLogLevel,
	}

	if data, err := os.ReadFile(configFile); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			logger.Warn("config file is malformed JSON, using defaults", "path", configFile, "error", err)
		}
	} else if !os.IsNotExist(err) {
		logger.Warn("could not read config file, using defaults", "path", configFile, "error", err)
	}

	if override := os.Getenv(EnvAPIURLOverride); override != "" {
		logger.Warn("api_url overridden by environment", "env", EnvAPIURLOverride)
		cfg.APIURL = override
	}
	if override := os.Getenv(EnvProjectIDOverride); override != "" {
		logger.Warn("project_id overridden by environment", "env", EnvProjectIDOverride)
		cfg.ProjectID = override
	}
	if override := os.Getenv(EnvAPIKeyOverride); override != "" {
		logger.Warn("api_key overridden by environment", "env", EnvAPIKeyOverride)
		cfg.APIKeyOverride = override
	}

	cfg.clamp(logger)

	if cfg.ProjectID == "" {
		return nil, agenterrors.NewConfigError("project_id", fmt.Errorf("project_id is required but was not set in %s or %s", configFile, EnvProjectIDOverride))
	}

	return cfg, nil
}

// validLogLevels is the set of AgentConfig.LogLevel names agentlog
// recognizes.
var validLogLevels = map[string]bool{
	agentlog.Trace:       true,
	agentlog.Debug:       true,
	agentlog.Information: true,
	agentlog.Warning:     true,
	agentlog.Error:       true,
	agentlog.Critical:    true,
}

// clamp enforces interval_s ∈ [10, 3600], batch_size ∈ [1, 1000], and
// log_level ∈ the recognized level names, warning and substituting the
// default when a value is out of range or unrecognized.
func (c *AgentConfig) clamp(logger *slog.Logger) {
	if c.IntervalSeconds < minIntervalSeconds || c.IntervalSeconds > maxIntervalSeconds {
		logger.Warn("interval_s out of range, using default",
			"value", c.IntervalSeconds, "min", minIntervalSeconds, "max", maxIntervalSeconds, "default", DefaultIntervalSeconds)
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.BatchSize < minBatchSize || c.BatchSize > maxBatchSize {
		logger.Warn("batch_size out of range, using default",
			"value", c.BatchSize, "min", minBatchSize, "max", maxBatchSize, "default", DefaultBatchSize)
		c.BatchSize = DefaultBatchSize
	}
	if !validLogLevels[c.LogLevel] {
		logger.Warn("log_level not recognized, using default",
			"value", c.LogLevel, "default", DefaultLogLevel)
		c.LogLevel = DefaultLogLevel
	}
}
