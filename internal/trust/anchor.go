package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"strings"

	"github.com/keithlinneman/otaclient/internal/cryptoutil"
)

// decodeSignature decodes the base64 signature field of an envelope.
func decodeSignature(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, wrapf(KindMalformed, err, "decode signature")
	}
	return raw, nil
}

// AnchorSource supplies the archive-master public key(s) the client trusts
// unconditionally. The anchor rarely rotates, so sources are expected to
// cache aggressively.
type AnchorSource interface {
	AnchorKeys(ctx context.Context) ([]ed25519.PublicKey, error)
}

// StaticAnchor returns keys baked into the client binary.
type StaticAnchor []ed25519.PublicKey

func (a StaticAnchor) AnchorKeys(context.Context) ([]ed25519.PublicKey, error) {
	if len(a) == 0 {
		return nil, errf(KindMalformed, "no anchor keys baked in")
	}
	return a, nil
}

// FileAnchor reads a pinned anchor key file: one base64 ed25519 public key
// per line, comments with '#'. Used offline and in tests.
type FileAnchor struct {
	Path string
}

func (a FileAnchor) AnchorKeys(context.Context) ([]ed25519.PublicKey, error) {
	raw, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, wrapf(KindMalformed, err, "read anchor key file %s", a.Path)
	}
	var keys []ed25519.PublicKey
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, err := cryptoutil.DecodePublicKey(line)
		if err != nil {
			return nil, wrapf(KindMalformed, err, "anchor key file %s", a.Path)
		}
		keys = append(keys, pub)
	}
	if len(keys) == 0 {
		return nil, errf(KindMalformed, "anchor key file %s has no keys", a.Path)
	}
	return keys, nil
}

// kmsAnchorKey is the subset of cryptoutil.KMSVerifier the anchor needs.
type kmsAnchorKey interface {
	Ed25519PublicKey(ctx context.Context) (ed25519.PublicKey, error)
}

// KMSAnchor fetches the anchor key from AWS KMS (fleet mode). The verifier
// caches the key for the process lifetime.
type KMSAnchor struct {
	Verifier kmsAnchorKey
}

func (a KMSAnchor) AnchorKeys(ctx context.Context) ([]ed25519.PublicKey, error) {
	pub, err := a.Verifier.Ed25519PublicKey(ctx)
	if err != nil {
		return nil, wrapf(KindMalformed, err, "fetch kms anchor key")
	}
	return []ed25519.PublicKey{pub}, nil
}
