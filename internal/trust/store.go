// Package trust holds the layered keyring hierarchy and verifies detached
// signatures against it.
//
// The hierarchy, top down: archive-master (the anchor, baked into the
// client or supplied by an anchor source) signs image-master; image-master
// signs image-signing and the blacklist; image-signing signs
// device-signing. The index and image artifacts are signed by
// image-signing or device-signing depending on channel policy. Once a
// blacklist is imported, every verification rejects signatures from
// blacklisted fingerprints, even when the key chains validly.
//
// A Store is scoped to a single check/download cycle: construct, import,
// verify, Close. There is no process-wide trust state.
package trust

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/keithlinneman/otaclient/internal/cryptoutil"
)

// Store is a per-cycle trust store. Import is serialized against Verify;
// concurrent Verify calls share a read lock since imported keyrings are
// immutable.
type Store struct {
	// Model is the device model keyrings may be pinned to. A keyring with
	// an empty model applies to any device.
	Model string

	mu    sync.RWMutex
	rings map[KeyringType]*Keyring
}

// NewStore builds a store whose archive-master level trusts the given
// anchor keys.
func NewStore(model string, anchors ...ed25519.PublicKey) *Store {
	s := &Store{
		Model: model,
		rings: make(map[KeyringType]*Keyring),
	}
	s.rings[ArchiveMaster] = NewKeyring(ArchiveMaster, anchors...)
	return s
}

// Keyring returns the imported keyring of the given type.
func (s *Store) Keyring(t KeyringType) (*Keyring, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.rings[t]
	return k, ok
}

// ImportKeyring verifies and installs a keyring archive. The archive must
// be signed by the next-higher keyring in the hierarchy, carry the expected
// type, match the device model (or carry none), and be unexpired. Import is
// all-or-nothing: on any failure the store is unchanged.
func (s *Store) ImportKeyring(archive, sig []byte, expected KeyringType) (*Keyring, error) {
	signerType, ok := expected.Signer()
	if !ok {
		return nil, errf(KindWrongType, "keyring type %q cannot be imported", expected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signer, ok := s.rings[signerType]
	if !ok || signer.Len() == 0 {
		return nil, errf(KindInvalidSignature, "no %s keyring available to verify %s", signerType, expected)
	}
	if err := s.verifyLocked(archive, sig, signer); err != nil {
		return nil, err
	}

	kjson, err := extractKeyringJSON(archive)
	if err != nil {
		return nil, err
	}
	ring, err := parseKeyring(kjson)
	if err != nil {
		return nil, err
	}
	if ring.Type != expected {
		return nil, errf(KindWrongType, "keyring type mismatch; wanted %s, got %s", expected, ring.Type)
	}
	if ring.Model != "" && ring.Model != s.Model {
		return nil, errf(KindWrongModel, "keyring model mismatch; wanted %s, got %s", s.Model, ring.Model)
	}
	if !ring.Expiry.IsZero() && time.Now().After(ring.Expiry) {
		return nil, errf(KindExpired, "keyring %s expired at %s", ring.Type, ring.Expiry.Format(time.RFC3339))
	}

	// replace, never mutate
	s.rings[expected] = ring
	return ring, nil
}

// Verify checks a detached signature over content against one or more
// signer keyrings. The envelope's fingerprint must belong to one of the
// named rings and must not appear in the blacklist.
func (s *Store) Verify(content, sig []byte, signers ...KeyringType) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if s.blacklistedLocked(env.Fingerprint) {
		return errf(KindBlacklisted, "signature by revoked key %s", env.Fingerprint)
	}
	for _, t := range signers {
		ring, ok := s.rings[t]
		if !ok {
			continue
		}
		if pub, ok := ring.Key(env.Fingerprint); ok {
			return verifyEnvelope(pub, content, env)
		}
	}
	return errf(KindInvalidSignature, "signing key %s not present in %v", env.Fingerprint, signers)
}

func (s *Store) verifyLocked(content, sig []byte, signer *Keyring) error {
	env, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if s.blacklistedLocked(env.Fingerprint) {
		return errf(KindBlacklisted, "signature by revoked key %s", env.Fingerprint)
	}
	pub, ok := signer.Key(env.Fingerprint)
	if !ok {
		return errf(KindInvalidSignature, "signing key %s not present in %s keyring", env.Fingerprint, signer.Type)
	}
	return verifyEnvelope(pub, content, env)
}

func verifyEnvelope(pub ed25519.PublicKey, content []byte, env *SignatureEnvelope) error {
	raw, err := decodeSignature(env.Signature)
	if err != nil {
		return err
	}
	if err := cryptoutil.VerifyDetached(pub, content, raw); err != nil {
		return wrapf(KindInvalidSignature, err, "signature by %s", env.Fingerprint)
	}
	return nil
}

func (s *Store) blacklistedLocked(fingerprint string) bool {
	bl, ok := s.rings[Blacklist]
	return ok && bl.Contains(fingerprint)
}

// Blacklisted reports whether a fingerprint is revoked.
func (s *Store) Blacklisted(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklistedLocked(fingerprint)
}

// Close releases all imported key material. The store verifies nothing
// after Close; a fresh cycle constructs a fresh store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, ring := range s.rings {
		ring.wipe()
		delete(s.rings, t)
	}
}
