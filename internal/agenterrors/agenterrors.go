// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package agenterrors defines the agent's error taxonomy. Each kind is
// a small typed error wrapping an underlying cause with fmt.Errorf's
// %w, so callers can classify with errors.As while still seeing the
// original error in logs.
package agenterrors

import "fmt"

// ConfigError indicates missing or invalid required configuration.
// Fatal at startup.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Component, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError attributed to component.
func NewConfigError(component string, err error) error {
	return &ConfigError{Component: component, Err: err}
}

// SecretError indicates the API key is missing, unreadable, or
// undecipherable. Fatal at startup.
type SecretError struct {
	Component string
	Err       error
}

func (e *SecretError) Error() string { return fmt.Sprintf("secret: %s: %v", e.Component, e.Err) }
func (e *SecretError) Unwrap() error { return e.Err }

// NewSecretError wraps err as a SecretError attributed to component.
func NewSecretError(component string, err error) error {
	return &SecretError{Component: component, Err: err}
}

// StorageError indicates the durable queue's store failed to open, to
// migrate its schema, or to complete a transactional operation. Fatal
// at open time; recovered and logged by the scheduler during
// steady-state operation.
type StorageError struct {
	Component string
	Err       error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Component, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError attributed to component.
func NewStorageError(component string, err error) error {
	return &StorageError{Component: component, Err: err}
}

// TransportError indicates a network failure, TLS failure, timeout, or
// non-2xx response from the intake endpoint. Recovered locally by the
// batch sender via backoff; never fatal.
type TransportError struct {
	// StatusCode is the HTTP status received, or 0 if the request
	// never got a response (timeout, DNS failure, connection reset).
	StatusCode int
	// BodyExcerpt is a bounded prefix of the response body, for
	// diagnostics. Never contains the request's Authorization header.
	BodyExcerpt string
	Err         error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.BodyExcerpt)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a TransportError. statusCode is the HTTP
// status of a non-2xx response, or 0 when no response was received
// (request construction, connection, or cancellation failures).
func NewTransportError(statusCode int, bodyExcerpt string, err error) error {
	return &TransportError{StatusCode: statusCode, BodyExcerpt: bodyExcerpt, Err: err}
}

// CollectorError indicates an inventory probe failed. Individual
// sub-probes degrade their field to a zero value rather than
// propagating this error; the heartbeat envelope is still enqueued.
type CollectorError struct {
	Probe string
	Err   error
}

func (e *CollectorError) Error() string { return fmt.Sprintf("collector: %s: %v", e.Probe, e.Err) }
func (e *CollectorError) Unwrap() error { return e.Err }

// NewCollectorError wraps err as a CollectorError attributed to probe.
func NewCollectorError(probe string, err error) error {
	return &CollectorError{Probe: probe, Err: err}
}
