package opshttp

import (
	"net/http"

	"github.com/keithlinneman/edutoolbox/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic disables the private-network guard, for containers whose
	// scraper reaches them over a routable address.
	AllowPublic bool
}
