package state

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/keithlinneman/otaclient/internal/cache"
	"github.com/keithlinneman/otaclient/internal/download"
	"github.com/keithlinneman/otaclient/internal/index"
	"github.com/keithlinneman/otaclient/internal/log"
	"github.com/keithlinneman/otaclient/internal/metrics"
	"github.com/keithlinneman/otaclient/internal/rollout"
	"github.com/keithlinneman/otaclient/internal/script"
	"github.com/keithlinneman/otaclient/internal/trust"
	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// CommandFile is the script name the installer looks for in the cache
// directory.
const CommandFile = "install_command"

// Options wires a Client. Everything is required unless noted.
type Options struct {
	Channel string
	Device  string
	Model   string

	// CurrentBuild is the build to assume when no marker file exists
	// (first boot after flash).
	CurrentBuild    int
	BuildMarkerPath string

	Source       download.Source
	Orchestrator *download.Orchestrator
	Anchor       trust.AnchorSource
	Gate         *rollout.Gate
	Cache        *cache.Cache
	Log          log.Logger
	Metrics      *metrics.ClientMetrics

	// Scorer overrides the default path scoring policy. Optional.
	Scorer *index.WeightedScorer
}

// Check is the caller-visible result of CheckForUpdate.
type Check struct {
	Available    bool
	Reason       index.Reason
	Version      int
	Size         int64
	Descriptions []map[string]string
}

// Client is the update state machine façade. All methods are safe for
// concurrent use; the long-running ones (CheckForUpdate, Download) block
// their caller but never each other's control methods.
type Client struct {
	channel    string
	device     string
	model      string
	firstBuild int
	markerPath string

	source  download.Source
	orch    *download.Orchestrator
	anchor  trust.AnchorSource
	gate    *rollout.Gate
	cache   *cache.Cache
	log     log.Logger
	metrics *metrics.ClientMetrics
	scorer  *index.WeightedScorer

	mu            sync.Mutex
	state         State
	lastErr       error
	cycle         *checkCycle
	session       *download.Session
	checkCancel   context.CancelFunc
	pendingCancel bool
	currentBuild  int
}

func New(opts Options) (*Client, error) {
	switch {
	case opts.Channel == "" || opts.Device == "":
		return nil, xerrors.New("client needs a channel and device")
	case opts.Source == nil || opts.Orchestrator == nil:
		return nil, xerrors.New("client needs a source and orchestrator")
	case opts.Anchor == nil || opts.Gate == nil || opts.Cache == nil:
		return nil, xerrors.New("client needs an anchor, gate, and cache")
	}
	logger := opts.Log
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		channel:    opts.Channel,
		device:     opts.Device,
		model:      opts.Model,
		firstBuild: opts.CurrentBuild,
		markerPath: opts.BuildMarkerPath,
		source:     opts.Source,
		orch:       opts.Orchestrator,
		anchor:     opts.Anchor,
		gate:       opts.Gate,
		cache:      opts.Cache,
		log:        logger,
		metrics:    opts.Metrics,
		scorer:     opts.Scorer,
		state:      StateIdle,
	}, nil
}

// State reports the current machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError reports the error that drove the machine to failed, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.lastErr = err
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetState(string(s))
	}
}

// CheckForUpdate runs one full check cycle: trust bootstrap, index fetch,
// path resolution, rollout gating. Re-entrant from idle and from any
// settled state.
func (c *Client) CheckForUpdate(ctx context.Context) (Check, error) {
	c.mu.Lock()
	if !c.state.checkable() {
		defer c.mu.Unlock()
		return Check{}, xerrors.Newf("cannot check while %s", c.state)
	}
	prev := c.cycle
	c.cycle = nil
	c.state = StateChecking
	c.pendingCancel = false
	ctx, cancel := context.WithCancel(ctx)
	c.checkCancel = cancel
	c.mu.Unlock()
	defer cancel()
	prev.close()
	if c.metrics != nil {
		c.metrics.SetState(string(StateChecking))
	}

	check, err := c.runCheck(ctx)

	// Cancel may have fired mid-check. The canceled state wins over
	// whatever the check concluded, and its cycle is discarded.
	c.mu.Lock()
	c.checkCancel = nil
	canceled := c.state == StateCanceled
	cycle := c.cycle
	if canceled {
		c.cycle = nil
	}
	c.mu.Unlock()
	if canceled {
		cycle.close()
		if c.metrics != nil {
			c.metrics.IncCheck("canceled")
		}
		return Check{}, download.ErrCanceled
	}

	if err != nil {
		if kind, ok := trust.IsTrustError(err); ok && c.metrics != nil {
			c.metrics.IncTrustFailure(string(kind))
		}
		if c.metrics != nil {
			c.metrics.IncCheck("error")
		}
		c.setState(StateFailed, err)
		return Check{}, err
	}

	if c.metrics != nil {
		c.metrics.IncCheck(string(check.Reason))
	}
	if check.Available {
		c.setState(StateAvailable, nil)
	} else {
		c.setState(StateNoneAvailable, nil)
	}
	return check, nil
}

func (c *Client) runCheck(ctx context.Context) (Check, error) {
	build, err := ReadBuildMarker(c.markerPath, c.firstBuild)
	if err != nil {
		return Check{}, err
	}
	if c.metrics != nil {
		c.metrics.SetCurrentBuild(build)
	}

	cycle, err := c.bootstrap(ctx)
	if err != nil {
		return Check{}, err
	}

	resolver := &index.Resolver{Gate: c.gate, Scorer: c.scorer}
	outcome := resolver.Resolve(ctx, cycle.index, c.channel, build)
	cycle.outcome = outcome

	c.mu.Lock()
	c.cycle = cycle
	c.currentBuild = build
	c.mu.Unlock()

	switch outcome.Reason {
	case index.ReasonUpgrade:
		c.log.Info(ctx, "update available",
			"channel", c.channel, "current", build,
			"target", outcome.Target, "hops", len(outcome.Path), "bytes", outcome.Size,
			"rollout_pct", outcome.Rollout.Percentage, "rollout_threshold", outcome.Rollout.Threshold)
		if c.metrics != nil {
			c.metrics.SetTarget(outcome.Target, outcome.Rollout.Percentage)
		}
		return Check{
			Available:    true,
			Reason:       outcome.Reason,
			Version:      outcome.Target,
			Size:         outcome.Size,
			Descriptions: outcome.Descriptions,
		}, nil
	case index.ReasonGatedByRollout:
		c.log.Info(ctx, "update exists but is still phasing in",
			"channel", c.channel, "current", build, "withheld", outcome.Target,
			"rollout_pct", outcome.Rollout.Percentage, "rollout_threshold", outcome.Rollout.Threshold)
	default:
		c.log.Info(ctx, "device is up to date", "channel", c.channel, "build", build)
	}
	return Check{Reason: outcome.Reason}, nil
}

// Download fetches every artifact of the resolved path, verifies each
// signature, and settles in downloaded, failed, or canceled. It blocks
// until the session ends; Pause, Resume, and Cancel act on it from other
// goroutines. A cancel queued before Download starts fails it immediately.
func (c *Client) Download(ctx context.Context, sink download.Sink) error {
	c.mu.Lock()
	if c.pendingCancel {
		c.pendingCancel = false
		c.state = StateCanceled
		c.mu.Unlock()
		return download.ErrCanceled
	}
	if c.state != StateAvailable || c.cycle == nil {
		defer c.mu.Unlock()
		return xerrors.Newf("no update staged for download (state %s)", c.state)
	}
	cycle := c.cycle
	c.mu.Unlock()

	specs := artifactSpecs(cycle.outcome.Path)
	session, err := c.orch.Start(ctx, specs, c.wrapSink(sink), c.verifyArtifacts(cycle))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.state = StateDownloading
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetState(string(StateDownloading))
	}

	started := time.Now()
	err = session.Wait()
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	switch {
	case err == nil:
		c.observeSession("done", started)
		c.setState(StateDownloaded, nil)
		return nil
	case errors.Is(err, download.ErrCanceled):
		c.observeSession("canceled", started)
		c.setState(StateCanceled, nil)
		return err
	default:
		if kind, ok := trust.IsTrustError(err); ok && c.metrics != nil {
			c.metrics.IncTrustFailure(string(kind))
		}
		c.observeSession("failed", started)
		c.setState(StateFailed, err)
		return err
	}
}

func (c *Client) observeSession(outcome string, started time.Time) {
	if c.metrics != nil {
		c.metrics.IncSession(outcome, time.Since(started))
	}
}

// wrapSink layers byte accounting onto the caller's progress sink.
func (c *Client) wrapSink(sink download.Sink) download.Sink {
	var last int64
	return download.SinkFunc(func(received, total int64) {
		if c.metrics != nil {
			c.metrics.AddDownloadBytes(received - last)
		}
		last = received
		if sink != nil {
			sink.Progress(received, total)
		}
	})
}

// artifactSpecs flattens the path into transfer specs: every image file
// plus its detached signature, published under artifacts/ keys.
func artifactSpecs(imgs []index.Image) []download.FileSpec {
	var specs []download.FileSpec
	for _, im := range imgs {
		for _, f := range im.SortedFiles() {
			specs = append(specs,
				download.FileSpec{
					Ref:      f.Path,
					Key:      artifactKey(f.Path),
					Size:     f.Size,
					Checksum: f.Checksum,
				},
				download.FileSpec{
					Ref:  f.Signature,
					Key:  artifactKey(f.Signature),
					Size: -1,
				})
		}
	}
	return specs
}

func artifactKey(ref string) string { return "artifacts/" + path.Base(ref) }

// verifyArtifacts is the session post check: every image file's content
// must verify against its published detached signature before the session
// may report success. An update is trusted as a whole or not at all.
func (c *Client) verifyArtifacts(cycle *checkCycle) download.PostCheck {
	return func(ctx context.Context, published []cache.Entry) error {
		byKey := make(map[string]string, len(published))
		for _, e := range published {
			byKey[e.Key] = e.Path
		}
		for _, im := range cycle.outcome.Path {
			for _, f := range im.SortedFiles() {
				content, err := os.ReadFile(byKey[artifactKey(f.Path)])
				if err != nil {
					return xerrors.Wrapf(err, "read artifact %s", f.Path)
				}
				sig, err := os.ReadFile(byKey[artifactKey(f.Signature)])
				if err != nil {
					return xerrors.Wrapf(err, "read signature %s", f.Signature)
				}
				if err := cycle.store.Verify(content, sig, trust.ImageSigning, trust.DeviceSigning); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// Pause suspends an in-flight download. No-op in any other state.
func (c *Client) Pause() {
	c.mu.Lock()
	session := c.session
	if c.state == StateDownloading && session != nil {
		c.state = StatePaused
	}
	c.mu.Unlock()
	if session != nil {
		session.Pause()
		if c.metrics != nil {
			c.metrics.SetState(string(StatePaused))
		}
	}
}

// Resume continues a paused download. No-op in any other state.
func (c *Client) Resume() {
	c.mu.Lock()
	session := c.session
	if c.state == StatePaused && session != nil {
		c.state = StateDownloading
	}
	c.mu.Unlock()
	if session != nil {
		session.Resume()
		if c.metrics != nil {
			c.metrics.SetState(string(StateDownloading))
		}
	}
}

// Cancel aborts whatever is in flight. An in-flight check has its context
// canceled and the machine settles in canceled regardless of how the check
// ends. With no check or session active the cancel is queued: the next
// Download fails with ErrCanceled instead of starting. No-op from settled
// states.
func (c *Client) Cancel() {
	c.mu.Lock()
	session := c.session
	var abort context.CancelFunc
	queued := false
	switch c.state {
	case StateDownloading, StatePaused:
		// the session's Wait settles the state
	case StateIdle, StateChecking, StateAvailable:
		c.pendingCancel = true
		c.state = StateCanceled
		abort = c.checkCancel
		queued = true
	}
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	if session != nil {
		session.Cancel()
	}
	if queued && c.metrics != nil {
		c.metrics.SetState(string(StateCanceled))
	}
}

// Apply writes the installer script and the applied-build marker, then
// hands off. The caller (or its privileged helper) reboots into the
// installer; this process does nothing further.
func (c *Client) Apply(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDownloaded || c.cycle == nil {
		defer c.mu.Unlock()
		return xerrors.Newf("no downloaded update to apply (state %s)", c.state)
	}
	cycle := c.cycle
	c.mu.Unlock()

	text, err := script.Emit(script.Spec{
		Keyrings: cycle.keyrings,
		Path:     cycle.outcome.Path,
	})
	if err != nil {
		return err
	}

	target := filepath.Join(c.cache.Dir(), CommandFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, text, 0o644); err != nil {
		return xerrors.Wrapf(err, "write %s", target)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return xerrors.Wrapf(err, "publish %s", target)
	}

	if c.markerPath != "" {
		if err := WriteBuildMarker(c.markerPath, cycle.outcome.Target); err != nil {
			return err
		}
	}

	c.log.Info(ctx, "handing off to installer",
		"script", target, "target", cycle.outcome.Target)
	c.setState(StateApplying, nil)
	return nil
}

// Progress reports aggregated session progress for observability. Zeroes
// outside a download.
func (c *Client) Progress() (received, total int64) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return 0, 0
	}
	return session.Progress()
}

// Transfers snapshots the in-flight session for the status surface.
func (c *Client) Transfers() []download.TransferState {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Snapshot()
}
