package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/edutoolbox/internal/health"
	"github.com/keithlinneman/edutoolbox/internal/httpmw"
	"github.com/keithlinneman/edutoolbox/internal/log"
)

// DefaultMaxBodyBytes covers the largest submission payload plus JSON framing.
const DefaultMaxBodyBytes = 2 << 20

type Options struct {
	Logger       log.Logger
	Host         string // default DefaultHost
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged, e.g. to bump a counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64 // 0 means DefaultMaxBodyBytes
	Health       health.Probe
	Readiness    health.Probe
	LibraryInfo  httpmw.LibraryInfo // X-Library-Version and X-Library-Hash

	// APIRoutes mounts the JSON API and file downloads.
	APIRoutes func(chi.Router)
	// SiteHandler serves everything the router does not match, i.e. the dashboard.
	SiteHandler http.Handler
}
