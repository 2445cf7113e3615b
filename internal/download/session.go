package download

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/keithlinneman/otaclient/internal/cache"
	"github.com/keithlinneman/otaclient/internal/cryptoutil"
)

// Status is a transfer's (or the whole session's) lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
	StatusFailed   Status = "failed"
)

// FileSpec names one artifact to fetch: its source reference, the cache
// key it publishes under, and the size and SHA-256 the bytes must match.
// A negative Size or empty Checksum skips that check; the index publishes
// neither for detached signature files.
type FileSpec struct {
	Ref      string
	Key      string
	Size     int64
	Checksum string
}

// TransferState is a point-in-time snapshot of one transfer.
type TransferState struct {
	Ref      string
	Received int64
	Total    int64
	Status   Status
}

// Sink receives aggregated session progress. Calls are serialized and
// bytes-received never decreases for a given session.
type Sink interface {
	Progress(received, total int64)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(received, total int64)

func (f SinkFunc) Progress(received, total int64) { f(received, total) }

// transfer is the mutable per-file state behind TransferState snapshots.
type transfer struct {
	spec FileSpec

	mu       sync.Mutex
	received int64
	status   Status
}

func (t *transfer) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *transfer) addReceived(n int64) {
	t.mu.Lock()
	t.received += n
	t.mu.Unlock()
}

func (t *transfer) snapshot() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransferState{
		Ref:      t.spec.Ref,
		Received: t.received,
		Total:    t.spec.Size,
		Status:   t.status,
	}
}

const chunkSize = 128 * 1024

// run is one transfer: open at the current offset, copy chunk by chunk
// through the pause/cancel checkpoint, then verify and publish. Transport
// errors reopen with a range request from the bytes already on disk;
// integrity mismatches are fatal.
func (s *Session) runTransfer(ctx context.Context, t *transfer) error {
	tmp, err := s.cache.TempFile("transfer-*")
	if err != nil {
		return err
	}
	// the temp file holds partial bytes; publish renames it away, every
	// other exit discards it
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	t.setStatus(StatusActive)
	var offset int64
	attempts := 0
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, resumed, err := s.source.Open(ctx, t.spec.Ref, offset)
		if err != nil {
			if retryErr := s.retryWait(ctx, t.spec.Ref, &attempts, err); retryErr != nil {
				return retryErr
			}
			continue
		}
		if offset > 0 && !resumed {
			// server ignored the range; skip what we already hold
			if _, err := io.CopyN(io.Discard, body, offset); err != nil {
				body.Close()
				if retryErr := s.retryWait(ctx, t.spec.Ref, &attempts, err); retryErr != nil {
					return retryErr
				}
				continue
			}
		}

		complete, err := s.copyBody(ctx, t, tmp, body, buf, &offset)
		body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retryErr := s.retryWait(ctx, t.spec.Ref, &attempts, err); retryErr != nil {
				return retryErr
			}
			continue
		}
		if complete {
			break
		}
		// paused and resumed, or checkpoint released the connection;
		// reopen from offset
	}

	return s.verifyAndPublish(t, tmp, offset)
}

// copyBody streams until EOF, pause, or error. complete is true on EOF.
func (s *Session) copyBody(ctx context.Context, t *transfer, tmp *os.File, body io.Reader, buf []byte, offset *int64) (complete bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if s.ctrl.pauseRequested() {
			// record the offset, drop the connection, block until
			// resumed
			t.setStatus(StatusPaused)
			err := s.ctrl.awaitResume(ctx)
			t.setStatus(StatusActive)
			return false, err
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return false, werr
			}
			*offset += int64(n)
			t.addReceived(int64(n))
			s.report(int64(n))
			if s.limiter != nil {
				if lerr := s.limiter.WaitN(ctx, n); lerr != nil {
					return false, lerr
				}
			}
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			return false, rerr
		}
	}
}

// retryWait burns one retry attempt, sleeping with linear backoff. It
// returns the terminal TransportError once attempts are exhausted.
func (s *Session) retryWait(ctx context.Context, ref string, attempts *int, cause error) error {
	*attempts++
	if *attempts > s.retries || errors.Is(cause, ErrNotFound) {
		return &TransportError{Ref: ref, Attempts: *attempts, Err: cause}
	}
	s.log.Warn(ctx, "transfer failed, retrying",
		"ref", ref, "attempt", *attempts, "error", cause)
	select {
	case <-time.After(time.Duration(*attempts) * 250 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) verifyAndPublish(t *transfer, tmp *os.File, size int64) error {
	if err := tmp.Close(); err != nil {
		return err
	}
	if t.spec.Size >= 0 && size != t.spec.Size {
		t.setStatus(StatusFailed)
		return &IntegrityError{
			Ref: t.spec.Ref, WantSize: t.spec.Size, GotSize: size,
			WantSHA256: t.spec.Checksum,
		}
	}
	sum, err := cryptoutil.SHA256File(tmp.Name())
	if err != nil {
		return err
	}
	if t.spec.Checksum != "" && !cryptoutil.HashEqual(sum, t.spec.Checksum) {
		t.setStatus(StatusFailed)
		return &IntegrityError{
			Ref: t.spec.Ref, WantSize: t.spec.Size, GotSize: size,
			WantSHA256: t.spec.Checksum, GotSHA256: sum,
		}
	}

	entry, err := s.cache.Publish(t.spec.Key, tmp.Name(), time.Time{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.published = append(s.published, entry)
	s.mu.Unlock()
	t.setStatus(StatusDone)
	return nil
}

// report feeds the sink with the aggregated total. The mutex both
// serializes sink calls and enforces monotonicity under concurrent
// transfers.
func (s *Session) report(n int64) {
	s.progressMu.Lock()
	s.receivedTotal += n
	if s.sink != nil && s.receivedTotal > s.reported {
		s.reported = s.receivedTotal
		s.sink.Progress(s.reported, s.total)
	}
	s.progressMu.Unlock()
}

// Published returns the cache entries committed by a successful session.
func (s *Session) Published() []cache.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.Entry(nil), s.published...)
}
