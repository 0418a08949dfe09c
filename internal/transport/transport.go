// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport ships leased queue batches to the remote intake
// endpoint over HTTPS.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
	"github.com/TRAPD-CLOUD/trapd-agent/internal/queue"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/netutil"
)

// RequestTimeout bounds a single send_batch call, including connection
// setup, TLS handshake, and response read.
const RequestTimeout = 15 * time.Second

const batchPath = "/api/v1/events/batch"

// wireItem is one element of the batch's JSON array. Payload is
// embedded as JSON structure, not as a string, so json.RawMessage
// carries the already-serialized payload through untouched.
type wireItem struct {
	ID         int64           `json:"id"`
	CreatedUTC string          `json:"created_utc"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Client ships batches to a single intake endpoint, authenticating
// with a bearer API key.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	loggedFirstSuccess firstSuccessFlag
}

// firstSuccessFlag reports whether this is the first time it has been
// set, for the "log the first success at info, rest at debug" contract.
type firstSuccessFlag struct {
	mu  sync.Mutex
	set bool
}

func (a *firstSuccessFlag) setAndWasFirst() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set {
		return false
	}
	a.set = true
	return true
}

// Config configures New.
type Config struct {
	BaseURL string
	APIKey  string
	Version string
	Logger  *slog.Logger
}

// New builds a Client for baseURL, identifying itself as
// "TRAPD-Agent/<version>".
func New(cfg Config) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		userAgent: fmt.Sprintf("TRAPD-Agent/%s", cfg.Version),
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
		logger: cfg.Logger,
	}
}

// SendBatch POSTs items to the intake endpoint. Returns nil on a 2xx
// response. Any other outcome — non-2xx status, timeout, DNS failure,
// TLS failure, connection reset, or a context cancellation — returns a
// *agenterrors.TransportError. The API key is never included in a log
// line or error message.
func (c *Client) SendBatch(ctx context.Context, items []queue.Item) error {
	wireItems := make([]wireItem, len(items))
	for i, item := range items {
		wireItems[i] = wireItem{
			ID:         item.ID,
			CreatedUTC: item.CreatedUTC,
			Type:       item.Type,
			Payload:    json.RawMessage(item.PayloadJSON),
		}
	}

	body, err := json.Marshal(wireItems)
	if err != nil {
		return agenterrors.NewTransportError(0, "", fmt.Errorf("marshaling batch: %w", err))
	}

	url := c.baseURL + batchPath
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return agenterrors.NewTransportError(0, "", fmt.Errorf("building request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return agenterrors.NewTransportError(0, "", ctx.Err())
		}
		return agenterrors.NewTransportError(0, "", fmt.Errorf("request failed: %w", err))
	}
	defer response.Body.Close()

	excerpt := netutil.ErrorBody(response.Body)

	// Every response is logged at info: status and a bounded body
	// excerpt, regardless of outcome.
	c.logger.Info("batch send response",
		"status", response.StatusCode,
		"body_excerpt", excerpt,
		"item_count", len(items),
	)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return agenterrors.NewTransportError(response.StatusCode, excerpt, fmt.Errorf("non-2xx response"))
	}

	// The first successful batch per process additionally gets an
	// info-level line with the item ids shipped; subsequent successes
	// only get a debug line, to avoid flooding agent.log at steady state.
	if c.loggedFirstSuccess.setAndWasFirst() {
		c.logger.Info("first batch shipped successfully", "item_ids", itemIDs(items))
	} else {
		c.logger.Debug("batch shipped successfully", "item_count", len(items))
	}

	return nil
}

func itemIDs(items []queue.Item) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
