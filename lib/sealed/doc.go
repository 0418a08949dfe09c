// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for locally
// stored secrets. It wraps filippo.io/age for the operations the
// agent needs: generate an x25519 keypair, encrypt to a recipient
// public key, and decrypt with the corresponding private key.
//
// Ciphertext is base64-encoded for storage as a flat file on disk.
// Callers pass plaintext []byte to [Encrypt] and receive a base64
// string; [Decrypt] accepts a base64 string and returns plaintext.
// Private keys and decrypted plaintext are returned as [secret.Buffer]
// values backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Encrypt] / [EncryptJSON] -- encrypt to age public key recipients
//   - [Decrypt] / [DecryptJSON] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by internal/sealedstore to seal the agent's API key to a
// per-host device identity generated on first run.
//
// Depends on lib/secret for secure memory allocation.
package sealed
