// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealedstore manages the agent's on-disk secret material: a
// per-host age identity, and the API key sealed to it.
package sealedstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/sealed"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/secret"
)

const deviceKeyFileName = "device.key"
const apiKeyFileName = "api_key.enc"

// EnsureDeviceIdentity loads the device identity's private key from
// <secretsDir>/device.key if present, or generates and persists a new
// one. created is true when a new identity was generated.
func EnsureDeviceIdentity(secretsDir string) (keypair *sealed.Keypair, created bool, err error) {
	path := filepath.Join(secretsDir, deviceKeyFileName)

	if data, readErr := os.ReadFile(path); readErr == nil {
		privateKey, bufErr := secret.NewFromBytes(data)
		if bufErr != nil {
			return nil, false, agenterrors.NewSecretError("device identity", fmt.Errorf("protecting loaded private key: %w", bufErr))
		}
		if parseErr := sealed.ParsePrivateKey(privateKey); parseErr != nil {
			privateKey.Close()
			return nil, false, agenterrors.NewSecretError("device identity", fmt.Errorf("device.key is not a valid age identity: %w", parseErr))
		}
		publicKey, pubErr := derivePublicKey(privateKey)
		if pubErr != nil {
			privateKey.Close()
			return nil, false, agenterrors.NewSecretError("device identity", pubErr)
		}
		return &sealed.Keypair{PrivateKey: privateKey, PublicKey: publicKey}, false, nil
	} else if !os.IsNotExist(readErr) {
		return nil, false, agenterrors.NewSecretError("device identity", fmt.Errorf("reading %s: %w", path, readErr))
	}

	keypair, err = sealed.GenerateKeypair()
	if err != nil {
		return nil, false, agenterrors.NewSecretError("device identity", fmt.Errorf("generating identity: %w", err))
	}

	if err := writePrivateKey(path, keypair.PrivateKey); err != nil {
		keypair.Close()
		return nil, false, agenterrors.NewSecretError("device identity", err)
	}

	return keypair, true, nil
}

// Seal encrypts apiKey to the device identity's own public key and
// writes it to <secretsDir>/api_key.enc.
func Seal(secretsDir string, publicKey string, apiKey string) error {
	ciphertext, err := sealed.Encrypt([]byte(apiKey), []string{publicKey})
	if err != nil {
		return agenterrors.NewSecretError("seal api key", err)
	}

	path := filepath.Join(secretsDir, apiKeyFileName)
	if err := os.WriteFile(path, []byte(ciphertext), 0o600); err != nil {
		return agenterrors.NewSecretError("seal api key", fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

// ReadAPIKey unseals <secretsDir>/api_key.enc using privateKey and
// returns the plaintext in a secret.Buffer. A missing file is a
// SecretError, matching a fatal-at-startup condition.
func ReadAPIKey(secretsDir string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	path := filepath.Join(secretsDir, apiKeyFileName)

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterrors.NewSecretError("read api key", fmt.Errorf("reading %s: %w", path, err))
	}

	plaintext, err := sealed.Decrypt(string(ciphertext), privateKey)
	if err != nil {
		return nil, agenterrors.NewSecretError("read api key", fmt.Errorf("decrypting %s: %w", path, err))
	}
	return plaintext, nil
}

// writePrivateKey persists an age private key to path via a
// secret.Buffer read. A newly created file gets owner-only (0600)
// permissions before contents are written.
func writePrivateKey(path string, privateKey *secret.Buffer) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer file.Close()

	if _, err := privateKey.WriteTo(file); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// derivePublicKey re-parses the private key to recover its
// corresponding public key. Needed when loading an existing identity,
// since only the private key is persisted on disk.
func derivePublicKey(privateKey *secret.Buffer) (string, error) {
	return sealed.RecipientFor(privateKey)
}
