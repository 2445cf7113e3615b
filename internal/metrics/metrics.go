package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/otaclient/internal/version"
)

type ClientMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// update client metrics
	checksTotal        *prometheus.CounterVec
	updateState        *prometheus.GaugeVec
	currentBuild       prometheus.Gauge
	targetBuild        prometheus.Gauge
	rolloutPercentage  prometheus.Gauge
	downloadBytesTotal prometheus.Counter
	sessionsTotal      *prometheus.CounterVec
	sessionDuration    prometheus.Histogram
	trustFailuresTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ClientMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ClientMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered ops handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_checks_total",
			Help: "Total update checks by outcome (upgrade, up-to-date, gated-by-rollout, error)",
		}, []string{"outcome"}),
		updateState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "update_state",
			Help: "Current update state machine state (label carries state, value is always 1)",
		}, []string{"state"}),
		currentBuild: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_current_build",
			Help: "Build number this device is currently running",
		}),
		targetBuild: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_target_build",
			Help: "Build number of the most recently resolved upgrade target (0 when none)",
		}),
		rolloutPercentage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_rollout_percentage",
			Help: "This device's stable phased-rollout bucket for the resolved target",
		}),
		downloadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_download_bytes_total",
			Help: "Total artifact bytes downloaded across all sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_download_sessions_total",
			Help: "Total download sessions by outcome (done, canceled, failed)",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "update_download_session_duration_seconds",
			Help:    "Wall time of completed download sessions",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		trustFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_trust_failures_total",
			Help: "Total signature/keyring verification failures by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.checksTotal,
		m.updateState,
		m.currentBuild,
		m.targetBuild,
		m.rolloutPercentage,
		m.downloadBytesTotal,
		m.sessionsTotal,
		m.sessionDuration,
		m.trustFailuresTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ClientMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ClientMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ClientMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ClientMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ClientMetrics) IncCheck(outcome string) {
	m.checksTotal.WithLabelValues(outcome).Inc()
}

func (m *ClientMetrics) SetState(state string) {
	m.updateState.Reset() // clear previous label value
	m.updateState.WithLabelValues(state).Set(1)
}

func (m *ClientMetrics) SetCurrentBuild(build int) {
	m.currentBuild.Set(float64(build))
}

func (m *ClientMetrics) SetTarget(build, percentage int) {
	m.targetBuild.Set(float64(build))
	m.rolloutPercentage.Set(float64(percentage))
}

func (m *ClientMetrics) AddDownloadBytes(n int64) {
	m.downloadBytesTotal.Add(float64(n))
}

func (m *ClientMetrics) IncSession(outcome string, dur time.Duration) {
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(dur.Seconds())
}

func (m *ClientMetrics) IncTrustFailure(kind string) {
	m.trustFailuresTotal.WithLabelValues(kind).Inc()
}
