package trust

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/keithlinneman/otaclient/internal/cryptoutil"
)

// KeyringType names a level of the trust hierarchy.
type KeyringType string

const (
	ArchiveMaster KeyringType = "archive-master"
	ImageMaster   KeyringType = "image-master"
	ImageSigning  KeyringType = "image-signing"
	DeviceSigning KeyringType = "device-signing"
	Blacklist     KeyringType = "blacklist"
)

// Signer returns the keyring type that signs archives of this type. The
// archive-master anchor is baked into the client and signs nothing above it.
func (t KeyringType) Signer() (KeyringType, bool) {
	switch t {
	case ImageMaster:
		return ArchiveMaster, true
	case ImageSigning, Blacklist:
		return ImageMaster, true
	case DeviceSigning:
		return ImageSigning, true
	default:
		return "", false
	}
}

func (t KeyringType) valid() bool {
	switch t {
	case ArchiveMaster, ImageMaster, ImageSigning, DeviceSigning, Blacklist:
		return true
	}
	return false
}

// Keyring is an immutable set of fingerprinted public keys plus metadata.
// A fresh import replaces, never mutates, a prior keyring.
type Keyring struct {
	Type    KeyringType
	Version int
	Model   string
	Expiry  time.Time

	keys map[string]ed25519.PublicKey
}

// NewKeyring builds a keyring directly from key material. Used for the
// baked-in archive-master anchor and by tests.
func NewKeyring(t KeyringType, keys ...ed25519.PublicKey) *Keyring {
	k := &Keyring{Type: t, keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, pub := range keys {
		k.keys[cryptoutil.Fingerprint(pub)] = pub
	}
	return k
}

// Contains reports whether the fingerprint belongs to this keyring.
func (k *Keyring) Contains(fingerprint string) bool {
	_, ok := k.keys[fingerprint]
	return ok
}

// Key returns the public key for a fingerprint.
func (k *Keyring) Key(fingerprint string) (ed25519.PublicKey, bool) {
	pub, ok := k.keys[fingerprint]
	return pub, ok
}

// Len returns the number of keys in the ring.
func (k *Keyring) Len() int { return len(k.keys) }

// wipe drops key material. Called when a store is closed; the maps are
// cleared so stale rings cannot verify anything after release.
func (k *Keyring) wipe() {
	for fp := range k.keys {
		delete(k.keys, fp)
	}
}

// keyringJSON is the on-the-wire keyring.json inside a keyring archive.
type keyringJSON struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Model   string `json:"model,omitempty"`
	Expiry  int64  `json:"expiry,omitempty"`
	Keys    []struct {
		Fingerprint string `json:"fingerprint"`
		PublicKey   string `json:"public_key"`
	} `json:"keys"`
}

// parseKeyring decodes keyring.json and checks internal consistency: every
// declared fingerprint must match its key material.
func parseKeyring(data []byte) (*Keyring, error) {
	var kj keyringJSON
	if err := json.Unmarshal(data, &kj); err != nil {
		return nil, wrapf(KindMalformed, err, "parse keyring.json")
	}
	t := KeyringType(kj.Type)
	if !t.valid() {
		return nil, errf(KindMalformed, "unknown keyring type %q", kj.Type)
	}
	if len(kj.Keys) == 0 {
		return nil, errf(KindMalformed, "keyring %s has no keys", kj.Type)
	}

	k := &Keyring{
		Type:    t,
		Version: kj.Version,
		Model:   kj.Model,
		keys:    make(map[string]ed25519.PublicKey, len(kj.Keys)),
	}
	if kj.Expiry != 0 {
		k.Expiry = time.Unix(kj.Expiry, 0).UTC()
	}
	for _, entry := range kj.Keys {
		pub, err := cryptoutil.DecodePublicKey(entry.PublicKey)
		if err != nil {
			return nil, wrapf(KindMalformed, err, "keyring %s key %s", kj.Type, entry.Fingerprint)
		}
		if got := cryptoutil.Fingerprint(pub); got != entry.Fingerprint {
			return nil, errf(KindMalformed, "keyring %s: fingerprint %s does not match key material %s",
				kj.Type, entry.Fingerprint, got)
		}
		k.keys[entry.Fingerprint] = pub
	}
	return k, nil
}

// SignatureEnvelope is a detached signature file: the signing key's
// fingerprint plus the raw signature over the content bytes.
type SignatureEnvelope struct {
	Algorithm   string `json:"algorithm"`
	Fingerprint string `json:"fingerprint"`
	Signature   string `json:"signature"`
}

// ParseSignature decodes a detached signature envelope.
func ParseSignature(data []byte) (*SignatureEnvelope, error) {
	var env SignatureEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, wrapf(KindMalformed, err, "parse signature envelope")
	}
	if env.Algorithm != "ed25519" {
		return nil, errf(KindMalformed, "unsupported signature algorithm %q", env.Algorithm)
	}
	if env.Fingerprint == "" || env.Signature == "" {
		return nil, errf(KindMalformed, "signature envelope missing fingerprint or signature")
	}
	return &env, nil
}
