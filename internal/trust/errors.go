package trust

import (
	"errors"
	"fmt"
)

// Kind classifies trust failures so callers can decide whether a retry is
// ever appropriate (it is not; trust failures abort the cycle).
type Kind string

const (
	KindInvalidSignature Kind = "invalid-signature"
	KindExpired          Kind = "expired"
	KindWrongType        Kind = "wrong-type"
	KindWrongModel       Kind = "wrong-model"
	KindMalformed        Kind = "malformed"
	KindBlacklisted      Kind = "blacklisted"
)

// Error is the only error type this package returns for verification and
// import failures. It always aborts the in-flight check/download cycle.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trust: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("trust: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsTrustError reports whether err is a trust failure and returns its kind.
func IsTrustError(err error) (Kind, bool) {
	var te *Error
	if !errors.As(err, &te) {
		return "", false
	}
	return te.Kind, true
}
