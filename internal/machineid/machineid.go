// Package machineid reads the device's stable unique identity, used to
// bucket the device for phased rollouts.
package machineid

import (
	"os"
	"strings"
	"sync"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// DefaultPath is where systemd-style systems keep the machine identity.
const DefaultPath = "/etc/machine-id"

// Reader loads the machine identity from disk exactly once and caches it
// for the process lifetime. The identity feeds the rollout bucket, so it
// must be the same value on every check.
type Reader struct {
	Path string

	once sync.Once
	id   string
	err  error
}

// ID returns the machine identity, reading the backing file on first call.
func (r *Reader) ID() (string, error) {
	r.once.Do(func() {
		path := r.Path
		if path == "" {
			path = DefaultPath
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			r.err = xerrors.Wrapf(err, "read machine id %s", path)
			return
		}
		id := strings.TrimSpace(string(raw))
		if id == "" {
			r.err = xerrors.Newf("machine id file %s is empty", path)
			return
		}
		r.id = id
	})
	return r.id, r.err
}
