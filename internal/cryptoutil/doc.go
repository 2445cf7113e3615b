// Package cryptoutil provides cryptographic verification primitives
// for artifact integrity and keyring signatures.
//
// It supports:
//   - ed25519 detached signature verification against fingerprinted public keys
//   - KMS-backed trust anchor key retrieval (ed25519, ECDSA P-256/P-384, RSA)
//   - Constant-time hash comparison to prevent timing side-channels
//   - SHA-256 hashing utilities, including streaming variants for downloads
package cryptoutil
