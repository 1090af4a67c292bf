package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/edutoolbox/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// gateway + sessions
	gatewayDecisions *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	loginAttempts    *prometheus.CounterVec
	catalogEntries   prometheus.Gauge

	// record store
	storeWriteDur *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec

	// library sync
	libraryBundleInfo   *prometheus.GaugeVec
	librarySyncedTs     prometheus.Gauge
	librarySyncDuration prometheus.Histogram
	librarySyncErrors   *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions.
// Gateway and store labels are closed enums; identities and entry ids are never labels.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
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
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		gatewayDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_decisions_total",
			Help: "File access decisions by outcome (approved|denied) and denial reason",
		}, []string{"outcome", "reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions begun and not yet ended or evicted",
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		catalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_entries",
			Help: "Number of entries in the loaded catalog",
		}),
		storeWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_write_duration_seconds",
			Help:    "Record store write latency including commit, by operation",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"op"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Record store operation failures by operation",
		}, []string{"op"}),
		libraryBundleInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "library_bundle_info",
			Help: "Installed library bundle (label carries identity, value is always 1)",
		}, []string{"sha256"}),
		librarySyncedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "library_synced_timestamp_seconds",
			Help: "Unix timestamp of the last successful library sync",
		}),
		librarySyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "library_sync_duration_seconds",
			Help:    "Time to download, verify, and extract a library bundle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		librarySyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_sync_errors_total",
			Help: "Library sync failures by stage",
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.gatewayDecisions,
		m.sessionsActive,
		m.loginAttempts,
		m.catalogEntries,
		m.storeWriteDur,
		m.storeErrors,
		m.libraryBundleInfo,
		m.librarySyncedTs,
		m.librarySyncDuration,
		m.librarySyncErrors,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
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

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveDecision counts one gateway decision. reason is empty for approvals.
func (m *ServerMetrics) ObserveDecision(approved bool, reason string) {
	outcome := "denied"
	if approved {
		outcome = "approved"
		reason = "none"
	}
	m.gatewayDecisions.WithLabelValues(outcome, reason).Inc()
}

func (m *ServerMetrics) SetSessionsActive(n int) {
	m.sessionsActive.Set(float64(n))
}

// IncLogin counts a login attempt: ok, rejected, invalid, limited or error.
func (m *ServerMetrics) IncLogin(outcome string) {
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) SetCatalogEntries(n int) {
	m.catalogEntries.Set(float64(n))
}

func (m *ServerMetrics) ObserveStoreWrite(op string, d time.Duration, err error) {
	m.storeWriteDur.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *ServerMetrics) SetLibraryBundle(sha256 string) {
	m.libraryBundleInfo.Reset()
	m.libraryBundleInfo.WithLabelValues(sha256).Set(1)
}

func (m *ServerMetrics) SetLibrarySynced(t time.Time) {
	m.librarySyncedTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) ObserveLibrarySync(seconds float64) {
	m.librarySyncDuration.Observe(seconds)
}

func (m *ServerMetrics) IncLibrarySyncError(stage string) {
	m.librarySyncErrors.WithLabelValues(stage).Inc()
}
