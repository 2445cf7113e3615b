// Package script renders the ordered installation script handed to the
// privileged installer. The script is advisory text, one directive per
// line; this package never executes anything.
package script

import (
	"bytes"
	"fmt"
	"path"

	"github.com/keithlinneman/otaclient/internal/index"
	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// KeyringFile names a keyring archive and its detached signature as staged
// for the installer. Keyrings are listed in trust order, highest first.
type KeyringFile struct {
	Archive   string
	Signature string
}

// Spec is everything the emitter needs: the keyrings whose trust level
// changed this cycle and the resolved upgrade path.
type Spec struct {
	Keyrings []KeyringFile
	Path     []index.Image
}

// Emit renders the installer script. The output is byte-stable: the same
// spec always produces the same bytes.
//
// Directive order is fixed: load_keyring for each staged keyring, format
// when any hop is a full image (a full rewrites the partition; deltas apply
// in place), mount, one update per file in (hop, published order) sequence,
// unmount.
func Emit(spec Spec) ([]byte, error) {
	if len(spec.Path) == 0 {
		return nil, xerrors.New("refusing to emit a script for an empty upgrade path")
	}

	var buf bytes.Buffer
	for _, kr := range spec.Keyrings {
		if kr.Archive == "" || kr.Signature == "" {
			return nil, xerrors.Newf("keyring entry missing archive or signature: %+v", kr)
		}
		fmt.Fprintf(&buf, "load_keyring %s %s\n", path.Base(kr.Archive), path.Base(kr.Signature))
	}

	for _, im := range spec.Path {
		if im.Type == index.Full {
			buf.WriteString("format system\n")
			break
		}
	}
	buf.WriteString("mount system\n")

	for _, im := range spec.Path {
		for _, f := range im.SortedFiles() {
			if f.Path == "" || f.Signature == "" {
				return nil, xerrors.Newf("image %d file missing path or signature: %+v", im.Version, f)
			}
			fmt.Fprintf(&buf, "update %s %s\n", path.Base(f.Path), path.Base(f.Signature))
		}
	}

	buf.WriteString("unmount system\n")
	return buf.Bytes(), nil
}
