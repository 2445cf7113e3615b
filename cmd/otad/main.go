package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/otaclient/internal/cache"
	"github.com/keithlinneman/otaclient/internal/cfg"
	"github.com/keithlinneman/otaclient/internal/cryptoutil"
	"github.com/keithlinneman/otaclient/internal/download"
	"github.com/keithlinneman/otaclient/internal/health"
	"github.com/keithlinneman/otaclient/internal/log"
	"github.com/keithlinneman/otaclient/internal/machineid"
	"github.com/keithlinneman/otaclient/internal/metrics"
	"github.com/keithlinneman/otaclient/internal/opshttp"
	"github.com/keithlinneman/otaclient/internal/otelx"
	"github.com/keithlinneman/otaclient/internal/prof"
	"github.com/keithlinneman/otaclient/internal/rollout"
	"github.com/keithlinneman/otaclient/internal/state"
	"github.com/keithlinneman/otaclient/internal/trust"
	v "github.com/keithlinneman/otaclient/internal/version"
)

const appName = "otad"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var checkOnce bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.BoolVar(&checkOnce, "check-once", false, "Run a single check/download cycle and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix OTAD_ and validate
	cfg.FillFromEnv(flag.CommandLine, "OTAD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "otad")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing update client",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"channel", conf.Channel,
		"device", conf.Device,
		"model", conf.Model,
		"base_url", conf.BaseURL,
		"s3_bucket", conf.S3Bucket,
		"cache_dir", conf.CacheDir,
		"build_marker", conf.BuildMarker,
		"check_interval", conf.CheckInterval,
		"rollout_threshold", conf.RolloutThreshold,
		"rollout_ssm_param", conf.RolloutSSMParam,
		"auto_download", conf.AutoDownload,
		"auto_apply", conf.AutoApply,
		"ops_port", conf.OpsPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "otad",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "otad",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "otad", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// AWS clients only when something is configured to use them
	needAWS := conf.S3Bucket != "" || conf.RolloutSSMParam != "" || conf.AnchorKMSKeyARN != ""
	var s3Client *s3.Client
	var ssmClient *ssm.Client
	var kmsClient *kms.Client
	if needAWS {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.S3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
		if conf.RolloutSSMParam != "" {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if conf.AnchorKMSKeyARN != "" {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	// current build for the User-Agent and resolver baseline
	currentBuild, err := state.ReadBuildMarker(conf.BuildMarker, conf.FirstBuild)
	if err != nil {
		L.Error(ctx, err, "unreadable build marker", "path", conf.BuildMarker)
		os.Exit(1)
	}

	// artifact source: fleet S3 bucket or plain HTTPS mirror
	var source download.Source
	if conf.S3Bucket != "" {
		source = &download.S3Source{
			Client: s3Client,
			Bucket: conf.S3Bucket,
			Prefix: conf.S3Prefix,
		}
	} else {
		source, err = download.NewHTTPSource(download.HTTPOptions{
			BaseURL: conf.BaseURL,
			Build:   currentBuild,
		})
		if err != nil {
			L.Error(ctx, err, "bad base url", "base_url", conf.BaseURL)
			os.Exit(1)
		}
	}

	c, err := cache.Open(conf.CacheDir)
	if err != nil {
		L.Error(ctx, err, "open cache", "dir", conf.CacheDir)
		os.Exit(1)
	}
	if err := c.Sweep(); err != nil {
		L.Warn(ctx, "cache sweep failed", "error", err)
	}

	// trust anchor for the keyring chain
	var anchor trust.AnchorSource
	if conf.AnchorKMSKeyARN != "" {
		anchor = trust.KMSAnchor{
			Verifier: cryptoutil.NewKMSVerifier(kmsClient, conf.AnchorKMSKeyARN),
		}
	} else {
		anchor = trust.FileAnchor{Path: conf.AnchorKeysFile}
	}

	// phased rollout gate keyed on the machine identity
	mid := &machineid.Reader{Path: conf.MachineIDPath}
	machineID, err := mid.ID()
	if err != nil {
		L.Error(ctx, err, "read machine id", "path", conf.MachineIDPath)
		os.Exit(1)
	}
	gate := &rollout.Gate{
		MachineID: machineID,
		Default:   conf.RolloutThreshold,
	}
	if conf.RolloutSSMParam != "" {
		gate.Override = &rollout.SSMThreshold{
			Client: ssmClient,
			Param:  conf.RolloutSSMParam,
		}
	}

	var limiter *rate.Limiter
	if conf.BandwidthKBps > 0 {
		bps := conf.BandwidthKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bps), 2*bps)
	}

	client, err := state.New(state.Options{
		Channel:         conf.Channel,
		Device:          conf.Device,
		Model:           conf.Model,
		CurrentBuild:    conf.FirstBuild,
		BuildMarkerPath: conf.BuildMarker,
		Source:          source,
		Orchestrator: &download.Orchestrator{
			Cache:       c,
			Source:      source,
			Log:         L.With("component", "download"),
			Concurrency: conf.Concurrency,
			Retries:     conf.Retries,
			Bandwidth:   limiter,
		},
		Anchor:  anchor,
		Gate:    gate,
		Cache:   c,
		Log:     L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "build update client")
		os.Exit(1)
	}

	// ops listener serves metrics, health, status, pprof; sg restricts
	// inbound and the middleware rejects public source addresses anyway
	var drain health.ShutdownGate
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.OpsPort,
		Metrics:     m.Handler(),
		Status:      client.StatusHandler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   drain.Probe(),
		MetricsMW:   m.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	if checkOnce {
		err := runCycle(ctx, L, conf, client)
		_ = opsHTTPStop(context.Background())
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	ticker := time.NewTicker(conf.CheckInterval)
	defer ticker.Stop()

	// first cycle immediately, then on the interval
	_ = runCycle(ctx, L, conf, client)
	for {
		select {
		case <-ticker.C:
			if client.State() == state.StateApplying {
				// update staged for the installer, nothing more to do
				// until the device reboots
				continue
			}
			_ = runCycle(ctx, L, conf, client)
		case <-ctx.Done():
			L.Info(context.Background(), "shutdown signal received")
			drain.Set("draining")
			client.Cancel()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := opsHTTPStop(shutdownCtx); err != nil {
				L.Error(context.Background(), err, "ops http server shutdown")
			}
			if err := shutdownOTEL(shutdownCtx); err != nil {
				L.Error(context.Background(), err, "otel shutdown")
			}
			stopProf()
			L.Info(context.Background(), "shutdown complete")
			return
		}
	}
}

// runCycle runs one check and, per config, the download and apply that
// follow it. Errors are logged, not fatal; the next tick tries again.
func runCycle(ctx context.Context, L log.Logger, conf cfg.App, client *state.Client) error {
	check, err := client.CheckForUpdate(ctx)
	if err != nil {
		L.Error(ctx, err, "update check failed")
		return err
	}
	if !check.Available || !conf.AutoDownload {
		return nil
	}

	if err := client.Download(ctx, nil); err != nil {
		if errors.Is(err, download.ErrCanceled) {
			L.Info(ctx, "download canceled")
			return nil
		}
		L.Error(ctx, err, "download failed", "target", check.Version)
		return err
	}
	L.Info(ctx, "update downloaded", "target", check.Version, "bytes", check.Size)

	if !conf.AutoApply {
		return nil
	}
	if err := client.Apply(ctx); err != nil {
		L.Error(ctx, err, "apply failed", "target", check.Version)
		return err
	}
	L.Info(ctx, "update staged for installer", "target", check.Version)
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
