// Package trusttest builds signed keyring fixtures for tests. It is the
// signing half the production client deliberately does not carry.
package trusttest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/keithlinneman/otaclient/internal/cryptoutil"
	"github.com/keithlinneman/otaclient/internal/trust"
)

// Key is a signing identity: the private half plus its public fingerprint.
type Key struct {
	Priv        ed25519.PrivateKey
	Pub         ed25519.PublicKey
	Fingerprint string
}

// NewKey generates a fresh ed25519 identity.
func NewKey(t *testing.T) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Key{Priv: priv, Pub: pub, Fingerprint: cryptoutil.Fingerprint(pub)}
}

// Sign produces a detached signature envelope over content.
func Sign(t *testing.T, k Key, content []byte) []byte {
	t.Helper()
	env := trust.SignatureEnvelope{
		Algorithm:   "ed25519",
		Fingerprint: k.Fingerprint,
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(k.Priv, content)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

// KeyringSpec describes a keyring archive to build.
type KeyringSpec struct {
	Type    trust.KeyringType
	Version int
	Model   string
	Expiry  time.Time
	Keys    []Key
}

// Archive builds a .tar.gz keyring archive for the spec.
func Archive(t *testing.T, spec KeyringSpec) []byte {
	t.Helper()

	type keyEntry struct {
		Fingerprint string `json:"fingerprint"`
		PublicKey   string `json:"public_key"`
	}
	doc := struct {
		Type    string     `json:"type"`
		Version int        `json:"version"`
		Model   string     `json:"model,omitempty"`
		Expiry  int64      `json:"expiry,omitempty"`
		Keys    []keyEntry `json:"keys"`
	}{
		Type:    string(spec.Type),
		Version: spec.Version,
		Model:   spec.Model,
	}
	if !spec.Expiry.IsZero() {
		doc.Expiry = spec.Expiry.Unix()
	}
	for _, k := range spec.Keys {
		doc.Keys = append(doc.Keys, keyEntry{
			Fingerprint: k.Fingerprint,
			PublicKey:   base64.StdEncoding.EncodeToString(k.Pub),
		})
	}
	kjson, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal keyring.json: %v", err)
	}
	return TarGz(t, map[string][]byte{"keyring.json": kjson})
}

// SignedArchive builds a keyring archive and signs it with signer.
func SignedArchive(t *testing.T, spec KeyringSpec, signer Key) (archive, sig []byte) {
	t.Helper()
	archive = Archive(t, spec)
	return archive, Sign(t, signer, archive)
}

// TarGz builds an in-memory .tar.gz from a name→content map.
func TarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}
