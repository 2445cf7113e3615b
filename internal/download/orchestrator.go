package download

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/otaclient/internal/cache"
	"github.com/keithlinneman/otaclient/internal/log"
	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// PostCheck runs after every artifact in a session has been published,
// before the session reports success. The state layer hooks signature
// verification in here; a PostCheck error fails the whole session and
// unpublishes everything.
type PostCheck func(ctx context.Context, published []cache.Entry) error

// Orchestrator builds download sessions. One orchestrator serves the whole
// process; each update download is its own Session.
type Orchestrator struct {
	Cache  *cache.Cache
	Source Source
	Log    log.Logger

	// Concurrency bounds simultaneous transfers per session. Zero means 4.
	Concurrency int

	// Retries is the per-transfer transport retry budget. Zero means 3.
	Retries int

	// Bandwidth, when non-nil, throttles the session's aggregate
	// download rate.
	Bandwidth *rate.Limiter
}

// Session is one in-flight update download.
type Session struct {
	cache   *cache.Cache
	source  Source
	log     log.Logger
	sink    Sink
	limiter *rate.Limiter
	retries int
	ctrl    *controller
	post    PostCheck

	total int64

	progressMu    sync.Mutex
	receivedTotal int64
	reported      int64

	mu        sync.Mutex
	transfers []*transfer
	published []cache.Entry

	done chan struct{}
	err  error
}

// Start launches the transfers for the given specs and returns the session
// handle immediately. Progress lands on sink; post runs once everything is
// published.
func (o *Orchestrator) Start(ctx context.Context, specs []FileSpec, sink Sink, post PostCheck) (*Session, error) {
	if len(specs) == 0 {
		return nil, xerrors.New("session has no files")
	}
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	retries := o.Retries
	if retries <= 0 {
		retries = 3
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cache:   o.Cache,
		source:  o.Source,
		log:     o.Log,
		sink:    sink,
		limiter: o.Bandwidth,
		retries: retries,
		ctrl:    newController(cancel),
		post:    post,
		done:    make(chan struct{}),
	}
	for _, spec := range specs {
		if spec.Size > 0 {
			s.total += spec.Size
		}
		s.transfers = append(s.transfers, &transfer{spec: spec, status: StatusPending})
	}

	go s.run(sctx, concurrency)
	return s, nil
}

func (s *Session) run(ctx context.Context, concurrency int) {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, t := range s.transfers {
		g.Go(func() error { return s.runTransfer(gctx, t) })
	}
	err := g.Wait()

	if err == nil && s.post != nil {
		err = s.post(ctx, s.Published())
	}
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.log.Info(ctx, "session complete",
		"files", len(s.transfers), "bytes", s.total)
}

// fail settles the session on its error path: published artifacts are
// withdrawn (an update is accepted only as a complete unit) and every
// non-terminal transfer is marked with the session's fate.
func (s *Session) fail(ctx context.Context, err error) {
	canceled := s.ctrl.wasCanceled() ||
		(errors.Is(err, context.Canceled) && ctx.Err() != nil)
	if canceled {
		err = ErrCanceled
	}

	s.mu.Lock()
	for _, key := range s.publishedKeysLocked() {
		s.cache.Remove(key)
	}
	s.published = nil
	s.mu.Unlock()

	final := StatusFailed
	if canceled {
		final = StatusCanceled
	}
	for _, t := range s.transfers {
		t.mu.Lock()
		switch t.status {
		case StatusDone, StatusFailed:
		default:
			t.status = final
		}
		t.mu.Unlock()
	}

	s.err = err
	if canceled {
		s.log.Info(ctx, "session canceled", "files", len(s.transfers))
	} else {
		s.log.Error(ctx, err, "session failed")
	}
}

func (s *Session) publishedKeysLocked() []string {
	keys := make([]string, 0, len(s.published))
	for _, e := range s.published {
		keys = append(keys, e.Key)
	}
	return keys
}

// Wait blocks until the session settles. A canceled session returns
// ErrCanceled, never partial data.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Pause suspends all active transfers at their next chunk boundary. Safe
// when nothing is active.
func (s *Session) Pause() { s.ctrl.Pause() }

// Resume reopens paused transfers from their recorded offsets.
func (s *Session) Resume() { s.ctrl.Resume() }

// Cancel aborts the session, discarding partial artifacts. Blocked I/O is
// context-bound, so transfers stop within one chunk.
func (s *Session) Cancel() { s.ctrl.Cancel() }

// Snapshot reports the per-transfer states for observability surfaces.
func (s *Session) Snapshot() []TransferState {
	out := make([]TransferState, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t.snapshot())
	}
	return out
}

// Progress reports the aggregated bytes so far.
func (s *Session) Progress() (received, total int64) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.receivedTotal, s.total
}
