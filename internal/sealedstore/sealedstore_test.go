// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package sealedstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDeviceIdentityGeneratesAndPersistsOnFirstCall(t *testing.T) {
	secretsDir := t.TempDir()

	keypair, created, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity: %v", err)
	}
	defer keypair.Close()

	if !created {
		t.Error("created = false, want true on first call")
	}
	if keypair.PublicKey == "" {
		t.Error("PublicKey is empty")
	}

	if _, err := os.Stat(filepath.Join(secretsDir, deviceKeyFileName)); err != nil {
		t.Errorf("device.key was not persisted: %v", err)
	}
}

func TestEnsureDeviceIdentityReloadsSameIdentityOnSecondCall(t *testing.T) {
	secretsDir := t.TempDir()

	first, _, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity (first): %v", err)
	}
	firstPublicKey := first.PublicKey
	first.Close()

	second, created, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity (second): %v", err)
	}
	defer second.Close()

	if created {
		t.Error("created = true on second call, want false")
	}
	if second.PublicKey != firstPublicKey {
		t.Errorf("PublicKey = %q, want %q (same identity reloaded)", second.PublicKey, firstPublicKey)
	}
}

func TestSealAndReadAPIKeyRoundTrip(t *testing.T) {
	secretsDir := t.TempDir()

	keypair, _, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity: %v", err)
	}
	defer keypair.Close()

	const plaintext = "test-api-key-value"
	if err := Seal(secretsDir, keypair.PublicKey, plaintext); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := os.Stat(filepath.Join(secretsDir, apiKeyFileName)); err != nil {
		t.Fatalf("api_key.enc was not written: %v", err)
	}

	recovered, err := ReadAPIKey(secretsDir, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("ReadAPIKey: %v", err)
	}
	defer recovered.Close()

	if recovered.String() != plaintext {
		t.Errorf("recovered key = %q, want %q", recovered.String(), plaintext)
	}
}

func TestReadAPIKeyFailsWhenFileMissing(t *testing.T) {
	secretsDir := t.TempDir()

	keypair, _, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity: %v", err)
	}
	defer keypair.Close()

	if _, err := ReadAPIKey(secretsDir, keypair.PrivateKey); err == nil {
		t.Fatal("expected an error when api_key.enc does not exist")
	}
}

func TestReadAPIKeyFailsWithWrongPrivateKey(t *testing.T) {
	secretsDir := t.TempDir()

	keypair, _, err := EnsureDeviceIdentity(secretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity: %v", err)
	}
	defer keypair.Close()

	if err := Seal(secretsDir, keypair.PublicKey, "secret-value"); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	otherSecretsDir := t.TempDir()
	other, _, err := EnsureDeviceIdentity(otherSecretsDir)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity (other): %v", err)
	}
	defer other.Close()

	if _, err := ReadAPIKey(secretsDir, other.PrivateKey); err == nil {
		t.Fatal("expected an error when decrypting with the wrong private key")
	}
}
