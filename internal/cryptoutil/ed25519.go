package cryptoutil

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// Fingerprint returns the canonical identity of a public key: the lowercase
// hex SHA-256 digest of the raw 32-byte key. This is what keyrings and
// blacklists carry, never the key material itself.
func Fingerprint(pub ed25519.PublicKey) string {
	return SHA256Hex(pub)
}

// DecodePublicKey decodes a base64 (std, padded) ed25519 public key as it
// appears in keyring.json.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, xerrors.Wrap(err, "decode public key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, xerrors.Newf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyDetached checks a raw ed25519 signature over content. The signature
// here is the decoded bytes, not the envelope; envelope parsing belongs to
// the trust package.
func VerifyDetached(pub ed25519.PublicKey, content, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return xerrors.Newf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, content, sig) {
		return xerrors.New("ed25519 signature verification failed")
	}
	return nil
}
