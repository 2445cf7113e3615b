package script

import (
	"strings"
	"testing"

	"github.com/keithlinneman/otaclient/internal/index"
)

func delta(version, base int, files ...index.FileRef) index.Image {
	return index.Image{Type: index.Delta, Version: version, Base: base, Files: files}
}

func TestEmitDeltaChain(t *testing.T) {
	spec := Spec{
		Keyrings: []KeyringFile{
			{Archive: "/cache/image-master.tar.gz", Signature: "/cache/image-master.tar.gz.sig"},
			{Archive: "/cache/image-signing.tar.gz", Signature: "/cache/image-signing.tar.gz.sig"},
			{Archive: "/cache/device-signing.tar.gz", Signature: "/cache/device-signing.tar.gz.sig"},
		},
		Path: []index.Image{
			delta(1400, 1300,
				index.FileRef{Path: "/pool/d1400-a.tar.xz", Signature: "/pool/d1400-a.tar.xz.sig", Order: 0},
				index.FileRef{Path: "/pool/d1400-b.tar.xz", Signature: "/pool/d1400-b.tar.xz.sig", Order: 1},
			),
			delta(1500, 1400,
				// published out of order; emission must follow Order
				index.FileRef{Path: "/pool/d1500-b.tar.xz", Signature: "/pool/d1500-b.tar.xz.sig", Order: 1},
				index.FileRef{Path: "/pool/d1500-a.tar.xz", Signature: "/pool/d1500-a.tar.xz.sig", Order: 0},
			),
			delta(1600, 1500,
				index.FileRef{Path: "/pool/d1600.tar.xz", Signature: "/pool/d1600.tar.xz.sig", Order: 0},
			),
		},
	}

	want := strings.Join([]string{
		"load_keyring image-master.tar.gz image-master.tar.gz.sig",
		"load_keyring image-signing.tar.gz image-signing.tar.gz.sig",
		"load_keyring device-signing.tar.gz device-signing.tar.gz.sig",
		"mount system",
		"update d1400-a.tar.xz d1400-a.tar.xz.sig",
		"update d1400-b.tar.xz d1400-b.tar.xz.sig",
		"update d1500-a.tar.xz d1500-a.tar.xz.sig",
		"update d1500-b.tar.xz d1500-b.tar.xz.sig",
		"update d1600.tar.xz d1600.tar.xz.sig",
		"unmount system",
		"",
	}, "\n")

	got, err := Emit(spec)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if string(got) != want {
		t.Errorf("script mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}

	// byte-stable across repeated emission
	again, err := Emit(spec)
	if err != nil {
		t.Fatalf("emit again: %v", err)
	}
	if string(again) != string(got) {
		t.Error("repeated emission produced different bytes")
	}
}

func TestEmitFullFormatsSystem(t *testing.T) {
	spec := Spec{
		Keyrings: []KeyringFile{
			{Archive: "image-master.tar.gz", Signature: "image-master.tar.gz.sig"},
		},
		Path: []index.Image{{
			Type:    index.Full,
			Version: 1600,
			Files: []index.FileRef{
				{Path: "full-1600.tar.xz", Signature: "full-1600.tar.xz.sig"},
			},
		}},
	}
	got, err := Emit(spec)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(got), "\n"), "\n")
	if lines[1] != "format system" || lines[2] != "mount system" {
		t.Errorf("full image script missing format before mount:\n%s", got)
	}
	if count := strings.Count(string(got), "format system"); count != 1 {
		t.Errorf("format emitted %d times", count)
	}
}

func TestEmitRejects(t *testing.T) {
	if _, err := Emit(Spec{}); err == nil {
		t.Error("wanted error for empty path")
	}

	badKeyring := Spec{
		Keyrings: []KeyringFile{{Archive: "k.tar.gz"}},
		Path:     []index.Image{delta(1400, 1300, index.FileRef{Path: "f", Signature: "f.sig"})},
	}
	if _, err := Emit(badKeyring); err == nil {
		t.Error("wanted error for keyring without signature")
	}

	badFile := Spec{
		Path: []index.Image{delta(1400, 1300, index.FileRef{Path: "f"})},
	}
	if _, err := Emit(badFile); err == nil {
		t.Error("wanted error for file without signature")
	}
}
