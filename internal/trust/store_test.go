package trust_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/otaclient/internal/trust"
	"github.com/keithlinneman/otaclient/internal/trust/trusttest"
)

// chain holds a fully imported hierarchy for tests that need one.
type chain struct {
	store       *trust.Store
	anchor      trusttest.Key
	imageMaster trusttest.Key
	imageSign   trusttest.Key
	deviceSign  trusttest.Key
}

// importChain builds a store and imports image-master, image-signing and
// device-signing keyrings, each signed by the level above.
func importChain(t *testing.T, model string) *chain {
	t.Helper()
	c := &chain{
		anchor:      trusttest.NewKey(t),
		imageMaster: trusttest.NewKey(t),
		imageSign:   trusttest.NewKey(t),
		deviceSign:  trusttest.NewKey(t),
	}
	c.store = trust.NewStore(model, c.anchor.Pub)

	steps := []struct {
		ringType trust.KeyringType
		key      trusttest.Key
		signer   trusttest.Key
	}{
		{trust.ImageMaster, c.imageMaster, c.anchor},
		{trust.ImageSigning, c.imageSign, c.imageMaster},
		{trust.DeviceSigning, c.deviceSign, c.imageSign},
	}
	for _, st := range steps {
		archive, sig := trusttest.SignedArchive(t, trusttest.KeyringSpec{
			Type: st.ringType,
			Keys: []trusttest.Key{st.key},
		}, st.signer)
		if _, err := c.store.ImportKeyring(archive, sig, st.ringType); err != nil {
			t.Fatalf("import %s: %v", st.ringType, err)
		}
	}
	return c
}

func TestImportChainAndVerify(t *testing.T) {
	c := importChain(t, "frieza")
	defer c.store.Close()

	content := []byte(`{"global":{},"images":[]}`)

	sig := trusttest.Sign(t, c.imageSign, content)
	if err := c.store.Verify(content, sig, trust.ImageSigning, trust.DeviceSigning); err != nil {
		t.Fatalf("verify with image-signing: %v", err)
	}

	sig = trusttest.Sign(t, c.deviceSign, content)
	if err := c.store.Verify(content, sig, trust.ImageSigning, trust.DeviceSigning); err != nil {
		t.Fatalf("verify with device-signing: %v", err)
	}

	// image-master is not a valid artifact signer
	sig = trusttest.Sign(t, c.imageMaster, content)
	err := c.store.Verify(content, sig, trust.ImageSigning, trust.DeviceSigning)
	if kind, ok := trust.IsTrustError(err); !ok || kind != trust.KindInvalidSignature {
		t.Fatalf("wanted invalid-signature for image-master signer, got %v", err)
	}
}

func TestVerifyTamperedContent(t *testing.T) {
	c := importChain(t, "frieza")
	defer c.store.Close()

	content := []byte("index payload")
	sig := trusttest.Sign(t, c.imageSign, content)
	content[0] ^= 0xff

	err := c.store.Verify(content, sig, trust.ImageSigning)
	if kind, ok := trust.IsTrustError(err); !ok || kind != trust.KindInvalidSignature {
		t.Fatalf("wanted invalid-signature, got %v", err)
	}
}

func TestBlacklistRejectsValidlyChainedKey(t *testing.T) {
	c := importChain(t, "frieza")
	defer c.store.Close()

	// Revoke the image-signing key. The blacklist itself is signed by
	// image-master, same as any image-signing replacement would be.
	archive, sig := trusttest.SignedArchive(t, trusttest.KeyringSpec{
		Type: trust.Blacklist,
		Keys: []trusttest.Key{c.imageSign},
	}, c.imageMaster)
	if _, err := c.store.ImportKeyring(archive, sig, trust.Blacklist); err != nil {
		t.Fatalf("import blacklist: %v", err)
	}
	if !c.store.Blacklisted(c.imageSign.Fingerprint) {
		t.Fatal("image-signing fingerprint not marked blacklisted")
	}

	// The key still chains validly to image-master, but every signature
	// it makes must now fail.
	content := []byte("index payload")
	artifact := trusttest.Sign(t, c.imageSign, content)
	err := c.store.Verify(content, artifact, trust.ImageSigning, trust.DeviceSigning)
	if kind, ok := trust.IsTrustError(err); !ok || kind != trust.KindBlacklisted {
		t.Fatalf("wanted blacklisted, got %v", err)
	}

	// Untouched device-signing key is unaffected.
	artifact = trusttest.Sign(t, c.deviceSign, content)
	if err := c.store.Verify(content, artifact, trust.DeviceSigning); err != nil {
		t.Fatalf("device-signing should still verify: %v", err)
	}
}

func TestBlacklistBlocksImports(t *testing.T) {
	c := importChain(t, "frieza")
	defer c.store.Close()

	archive, sig := trusttest.SignedArchive(t, trusttest.KeyringSpec{
		Type: trust.Blacklist,
		Keys: []trusttest.Key{c.imageSign},
	}, c.imageMaster)
	if _, err := c.store.ImportKeyring(archive, sig, trust.Blacklist); err != nil {
		t.Fatalf("import blacklist: %v", err)
	}

	// A device-signing keyring signed by the revoked image-signing key
	// must be refused.
	fresh := trusttest.NewKey(t)
	archive, sig = trusttest.SignedArchive(t, trusttest.KeyringSpec{
		Type: trust.DeviceSigning,
		Keys: []trusttest.Key{fresh},
	}, c.imageSign)
	_, err := c.store.ImportKeyring(archive, sig, trust.DeviceSigning)
	if kind, ok := trust.IsTrustError(err); !ok || kind != trust.KindBlacklisted {
		t.Fatalf("wanted blacklisted, got %v", err)
	}
}

func TestImportRejections(t *testing.T) {
	anchor := trusttest.NewKey(t)
	imageMaster := trusttest.NewKey(t)
	stranger := trusttest.NewKey(t)

	newStore := func(t *testing.T) *trust.Store {
		s := trust.NewStore("frieza", anchor.Pub)
		archive, sig := trusttest.SignedArchive(t, trusttest.KeyringSpec{
			Type: trust.ImageMaster,
			Keys: []trusttest.Key{imageMaster},
		}, anchor)
		if _, err := s.ImportKeyring(archive, sig, trust.ImageMaster); err != nil {
			t.Fatalf("seed image-master: %v", err)
		}
		return s
	}

	tests := []struct {
		name     string
		build    func(t *testing.T) (archive, sig []byte, expected trust.KeyringType)
		wantKind trust.Kind
	}{
		{
			name: "wrong signer",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a, s := trusttest.SignedArchive(t, trusttest.KeyringSpec{
					Type: trust.ImageSigning,
					Keys: []trusttest.Key{trusttest.NewKey(t)},
				}, stranger)
				return a, s, trust.ImageSigning
			},
			wantKind: trust.KindInvalidSignature,
		},
		{
			name: "type mismatch",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				// archive says device-signing, import expects image-signing
				a, s := trusttest.SignedArchive(t, trusttest.KeyringSpec{
					Type: trust.DeviceSigning,
					Keys: []trusttest.Key{trusttest.NewKey(t)},
				}, imageMaster)
				return a, s, trust.ImageSigning
			},
			wantKind: trust.KindWrongType,
		},
		{
			name: "model mismatch",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a, s := trusttest.SignedArchive(t, trusttest.KeyringSpec{
					Type:  trust.ImageSigning,
					Model: "cooler",
					Keys:  []trusttest.Key{trusttest.NewKey(t)},
				}, imageMaster)
				return a, s, trust.ImageSigning
			},
			wantKind: trust.KindWrongModel,
		},
		{
			name: "expired",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a, s := trusttest.SignedArchive(t, trusttest.KeyringSpec{
					Type:   trust.ImageSigning,
					Expiry: time.Now().Add(-time.Hour),
					Keys:   []trusttest.Key{trusttest.NewKey(t)},
				}, imageMaster)
				return a, s, trust.ImageSigning
			},
			wantKind: trust.KindExpired,
		},
		{
			name: "not an archive",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a := []byte("this is not a tarball")
				return a, trusttest.Sign(t, imageMaster, a), trust.ImageSigning
			},
			wantKind: trust.KindMalformed,
		},
		{
			name: "archive without keyring.json",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a := trusttest.TarGz(t, map[string][]byte{"readme.txt": []byte("nope")})
				return a, trusttest.Sign(t, imageMaster, a), trust.ImageSigning
			},
			wantKind: trust.KindMalformed,
		},
		{
			name: "archive-master not importable",
			build: func(t *testing.T) ([]byte, []byte, trust.KeyringType) {
				a, s := trusttest.SignedArchive(t, trusttest.KeyringSpec{
					Type: trust.ArchiveMaster,
					Keys: []trusttest.Key{trusttest.NewKey(t)},
				}, imageMaster)
				return a, s, trust.ArchiveMaster
			},
			wantKind: trust.KindWrongType,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			archive, sig, expected := tc.build(t)
			_, err := s.ImportKeyring(archive, sig, expected)
			kind, ok := trust.IsTrustError(err)
			if !ok || kind != tc.wantKind {
				t.Fatalf("wanted %s, got %v", tc.wantKind, err)
			}
			// all-or-nothing: the failed import must not leave a ring
			// behind (archive-master is seeded and always present)
			if expected != trust.ArchiveMaster {
				if _, present := s.Keyring(expected); present {
					t.Fatalf("failed import installed a %s keyring", expected)
				}
			}
		})
	}
}

func TestWrongModelEmptyMatchesAny(t *testing.T) {
	c := importChain(t, "frieza")
	defer c.store.Close()
	// importChain keyrings carry no model and imported fine against a
	// model-pinned store; spot-check the ring landed.
	if _, ok := c.store.Keyring(trust.DeviceSigning); !ok {
		t.Fatal("device-signing keyring missing")
	}
}

func TestCloseWipesKeyMaterial(t *testing.T) {
	c := importChain(t, "frieza")
	content := []byte("payload")
	sig := trusttest.Sign(t, c.imageSign, content)
	c.store.Close()

	if err := c.store.Verify(content, sig, trust.ImageSigning); err == nil {
		t.Fatal("verify succeeded against a closed store")
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "{{{"},
		{"wrong algorithm", `{"algorithm":"rsa","fingerprint":"ab","signature":"cd"}`},
		{"missing fingerprint", `{"algorithm":"ed25519","signature":"cd"}`},
		{"missing signature", `{"algorithm":"ed25519","fingerprint":"ab"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := trust.ParseSignature([]byte(tc.in)); err == nil {
				t.Fatal("wanted parse error")
			}
		})
	}
}

func TestFileAnchor(t *testing.T) {
	k1 := trusttest.NewKey(t)
	k2 := trusttest.NewKey(t)

	path := t.TempDir() + "/anchors"
	content := strings.Join([]string{
		"# pinned archive-master keys",
		encodeKey(k1.Pub),
		"",
		encodeKey(k2.Pub),
	}, "\n")
	if err := writeFile(path, content); err != nil {
		t.Fatalf("write anchor file: %v", err)
	}

	keys, err := trust.FileAnchor{Path: path}.AnchorKeys(t.Context())
	if err != nil {
		t.Fatalf("anchor keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("wanted 2 keys, got %d", len(keys))
	}

	if _, err := (trust.FileAnchor{Path: path + ".missing"}).AnchorKeys(t.Context()); err == nil {
		t.Fatal("wanted error for missing file")
	}
}

func TestStaticAnchor(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys, err := trust.StaticAnchor{pub}.AnchorKeys(t.Context())
	if err != nil || len(keys) != 1 {
		t.Fatalf("static anchor: keys=%d err=%v", len(keys), err)
	}
	if _, err := trust.StaticAnchor(nil).AnchorKeys(t.Context()); err == nil {
		t.Fatal("wanted error for empty anchor")
	}
}

func encodeKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
