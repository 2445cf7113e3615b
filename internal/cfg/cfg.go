package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/otaclient/internal/log"
	"github.com/keithlinneman/otaclient/internal/machineid"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	OpsPort         int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	Channel string
	Device  string
	Model   string

	BaseURL  string
	S3Bucket string
	S3Prefix string

	CacheDir      string
	BuildMarker   string
	MachineIDPath string
	FirstBuild    int

	AnchorKeysFile  string
	AnchorKMSKeyARN string

	Concurrency   int
	Retries       int
	BandwidthKBps int

	RolloutThreshold int
	RolloutSSMParam  string

	CheckInterval time.Duration
	AutoDownload  bool
	AutoApply     bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.OpsPort, "ops-port", 9000, "ops listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on ops port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.Channel, "channel", "stable", "update channel to track")
	fs.StringVar(&c.Device, "device", "", "device name published on the channel")
	fs.StringVar(&c.Model, "model", "", "device model keyrings may be pinned to")
	fs.StringVar(&c.BaseURL, "base-url", "", "update service root url (https)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket to fetch updates from instead of base-url")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "", "s3 key prefix within s3-bucket")
	fs.StringVar(&c.CacheDir, "cache-dir", "/var/cache/otad", "directory for downloaded artifacts and staged keyrings")
	fs.StringVar(&c.BuildMarker, "build-marker", "/var/lib/otad/build", "file recording the last applied build number")
	fs.StringVar(&c.MachineIDPath, "machine-id-path", machineid.DefaultPath, "file holding the stable device identity")
	fs.IntVar(&c.FirstBuild, "first-build", 0, "build number to assume when no build marker exists")
	fs.StringVar(&c.AnchorKeysFile, "anchor-keys-file", "", "file of base64 archive-master public keys, one per line")
	fs.StringVar(&c.AnchorKMSKeyARN, "anchor-kms-key-arn", "", "KMS key ARN supplying the archive-master public key")
	fs.IntVar(&c.Concurrency, "download-concurrency", 4, "parallel artifact downloads (1..16)")
	fs.IntVar(&c.Retries, "download-retries", 3, "per-file retry budget (0..10)")
	fs.IntVar(&c.BandwidthKBps, "bandwidth-kbps", 0, "download rate limit in KiB/s (0 = unlimited)")
	fs.IntVar(&c.RolloutThreshold, "rollout-threshold", 100, "phased rollout threshold when no fleet override is set (0..100)")
	fs.StringVar(&c.RolloutSSMParam, "rollout-ssm-param", "", "ssm parameter supplying a fleet-managed rollout threshold")
	fs.DurationVar(&c.CheckInterval, "check-interval", time.Hour, "time between automatic update checks")
	fs.BoolVar(&c.AutoDownload, "auto-download", true, "download automatically when a check finds an update")
	fs.BoolVar(&c.AutoApply, "auto-apply", false, "stage the installer script automatically after download")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.OpsPort < 1 || c.OpsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid OPS_PORT %d (must be 1..65535)", c.OpsPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Device identity
	if c.Channel == "" {
		errs = append(errs, fmt.Errorf("CHANNEL is required"))
	}
	if c.Device == "" {
		errs = append(errs, fmt.Errorf("DEVICE is required"))
	}

	// Artifact source: exactly one of HTTP or S3
	switch {
	case c.BaseURL == "" && c.S3Bucket == "":
		errs = append(errs, fmt.Errorf("one of BASE_URL or S3_BUCKET is required"))
	case c.BaseURL != "" && c.S3Bucket != "":
		errs = append(errs, fmt.Errorf("BASE_URL and S3_BUCKET are mutually exclusive"))
	case c.BaseURL != "":
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("BASE_URL must be a URL (got %q)", c.BaseURL))
		}
	}

	// Trust anchor: baked-in keys don't exist outside release builds, so
	// one source must be configured
	if c.AnchorKeysFile == "" && c.AnchorKMSKeyARN == "" {
		errs = append(errs, fmt.Errorf("one of ANCHOR_KEYS_FILE or ANCHOR_KMS_KEY_ARN is required"))
	}

	if c.CacheDir == "" {
		errs = append(errs, fmt.Errorf("CACHE_DIR is required"))
	}
	if c.BuildMarker == "" {
		errs = append(errs, fmt.Errorf("BUILD_MARKER is required"))
	}

	if c.Concurrency < 1 || c.Concurrency > 16 {
		errs = append(errs, fmt.Errorf("DOWNLOAD_CONCURRENCY must be 1..16 (got %d)", c.Concurrency))
	}
	if c.Retries < 0 || c.Retries > 10 {
		errs = append(errs, fmt.Errorf("DOWNLOAD_RETRIES must be 0..10 (got %d)", c.Retries))
	}
	if c.BandwidthKBps < 0 {
		errs = append(errs, fmt.Errorf("BANDWIDTH_KBPS must not be negative (got %d)", c.BandwidthKBps))
	}

	if c.CheckInterval < time.Minute {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL must be at least 1m (got %s)", c.CheckInterval))
	}

	if c.RolloutThreshold < 0 || c.RolloutThreshold > 100 {
		errs = append(errs, fmt.Errorf("ROLLOUT_THRESHOLD must be 0..100 (got %d)", c.RolloutThreshold))
	}

	if c.AutoApply && !c.AutoDownload {
		errs = append(errs, fmt.Errorf("AUTO_APPLY=true requires AUTO_DOWNLOAD=true"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
