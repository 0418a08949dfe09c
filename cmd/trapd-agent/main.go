// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Command trapd-agent is the host telemetry agent: it periodically
// gathers an inventory snapshot, enqueues it as a heartbeat, and
// drains the durable queue to a remote intake endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agentlog"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/config"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/identity"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/inventory"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/scheduler"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/sealedstore"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/sender"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/transport"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/secret"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/version"
)

func main() {
	once := flag.Bool("once", false, "run a single collect/enqueue/send cycle and exit")
	sealAPIKey := flag.Bool("seal-api-key", false, "read an api key from stdin, seal it to this host's device identity, and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if *sealAPIKey {
		if err := sealAPIKeyFromStdin(os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "trapd-agent:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*once); err != nil {
		fmt.Fprintln(os.Stderr, "trapd-agent:", err)
		os.Exit(1)
	}
}

// sealAPIKeyFromStdin is the provisioning path: it reads a plaintext
// api key from in, ensures a device identity exists, and seals the key
// to that identity's public key at secrets/api_key.enc.
func sealAPIKeyFromStdin(in io.Reader) error {
	dataDir := config.DataDir()
	paths, err := config.ResolvePaths(dataDir)
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading api key from stdin: %w", err)
	}
	apiKey := strings.TrimSpace(line)
	if apiKey == "" {
		return fmt.Errorf("no api key read from stdin")
	}

	keypair, _, err := sealedstore.EnsureDeviceIdentity(paths.SecretsDir)
	if err != nil {
		return fmt.Errorf("resolving device identity: %w", err)
	}
	defer keypair.Close()

	if err := sealedstore.Seal(paths.SecretsDir, keypair.PublicKey, apiKey); err != nil {
		return fmt.Errorf("sealing api key: %w", err)
	}

	fmt.Fprintln(os.Stderr, "api key sealed to", paths.APIKeyFile)
	return nil
}

func run(once bool) error {
	dataDir := config.DataDir()
	paths, err := config.ResolvePaths(dataDir)
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	// config.Load itself logs warnings (malformed file, overrides,
	// clamped values), so those need a destination before the level
	// named by the config it is loading is known. A bootstrap logger
	// fills that gap; the agent.log file is opened once, afterward, at
	// the level the loaded config actually names.
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(paths.ConfigFile, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logFile, err := agentlog.New(paths.LogFile, agentlog.ParseLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logger = logger.With("project_id", cfg.ProjectID)

	sensorID := identity.Resolve(dataDir, logger)
	logger = logger.With("sensor_id", sensorID.Value)
	logger.Info("sensor identity resolved", "source", sensorID.Source)

	apiKey, err := resolveAPIKey(paths, cfg, logger)
	if err != nil {
		return fmt.Errorf("resolving api key: %w", err)
	}
	defer apiKey.Close()

	q, err := queue.Open(queue.Config{
		Path:   paths.QueueFile,
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	client := transport.New(transport.Config{
		BaseURL: cfg.APIURL,
		APIKey:  apiKey.String(),
		Version: version.Resolve(),
		Logger:  logger,
	})

	realClock := clock.Real()
	send := sender.New(q, client, realClock, logger, cfg.BatchSize)
	collector := inventory.NewCollector(dataDir, realClock, logger)

	agentInfo := scheduler.AgentInfo{
		Version:   version.Resolve(),
		SensorID:  sensorID.Value,
		ProjectID: cfg.ProjectID,
		StartedAt: realClock.Now(),
	}
	sched := scheduler.New(q, send, collector, realClock, logger, agentInfo, time.Duration(cfg.IntervalSeconds)*time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		logger.Info("running a single cycle")
		return sched.RunOnce(ctx)
	}

	logger.Info("agent starting", "interval_seconds", cfg.IntervalSeconds, "batch_size", cfg.BatchSize)
	sched.Run(ctx)
	logger.Info("agent shutting down")
	return nil
}

// resolveAPIKey returns the plaintext API key as a secret.Buffer,
// either from API_KEY_OVERRIDE (wrapped for uniform handling) or by
// unsealing secrets/api_key.enc with the device identity.
func resolveAPIKey(paths config.Paths, cfg *config.AgentConfig, logger *slog.Logger) (*secret.Buffer, error) {
	if cfg.APIKeyOverride != "" {
		return secret.NewFromBytes([]byte(cfg.APIKeyOverride))
	}

	keypair, created, err := sealedstore.EnsureDeviceIdentity(paths.SecretsDir)
	if err != nil {
		return nil, err
	}
	defer keypair.Close()

	if created {
		logger.Info("generated a new device identity")
	}

	return sealedstore.ReadAPIKey(paths.SecretsDir, keypair.PrivateKey)
}
