package state

import (
	"os"
	"strconv"
	"strings"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// ReadBuildMarker reads the last-applied build number. A missing marker
// returns fallback; a present but unparsable one is an error, since acting
// on the wrong current build could resolve a delta the device cannot apply.
func ReadBuildMarker(path string, fallback int) (int, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}
	if err != nil {
		return 0, xerrors.Wrapf(err, "read build marker %s", path)
	}
	build, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, xerrors.Wrapf(err, "parse build marker %s", path)
	}
	return build, nil
}

// WriteBuildMarker records the build handed to the installer. Written via
// temp+rename so a crash never leaves a torn marker.
func WriteBuildMarker(path string, build int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(build)+"\n"), 0o644); err != nil {
		return xerrors.Wrapf(err, "write build marker %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return xerrors.Wrapf(err, "publish build marker %s", path)
	}
	return nil
}
