package download

import (
	"errors"
	"fmt"
)

// ErrCanceled reports a caller-initiated stop. It is not a failure;
// callers distinguish "stopped" from "broke" by matching this sentinel.
var ErrCanceled = errors.New("download canceled")

// ErrNotFound reports that the service has no such artifact. Some
// artifacts are legitimately absent (a channel may publish no blacklist),
// so callers need to tell 404 apart from transport trouble.
var ErrNotFound = errors.New("artifact not found")

// IntegrityError is a checksum or size mismatch on a fetched artifact.
// Integrity is a security property, not a transport reliability property,
// so there is no retry: the session fails rather than silently re-fetching
// possibly tampered content.
type IntegrityError struct {
	Ref        string
	WantSize   int64
	GotSize    int64
	WantSHA256 string
	GotSHA256  string
}

func (e *IntegrityError) Error() string {
	if e.WantSize != e.GotSize {
		return fmt.Sprintf("integrity: %s: size %d, expected %d", e.Ref, e.GotSize, e.WantSize)
	}
	return fmt.Sprintf("integrity: %s: checksum %s, expected %s", e.Ref, e.GotSHA256, e.WantSHA256)
}

// TransportError is a network-level failure that exhausted its retry
// budget.
type TransportError struct {
	Ref      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s failed after %d attempts: %v", e.Ref, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
