// Package prof pushes continuous profiles to a Pyroscope server when enabled.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/version"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string // default version.AppName
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// MutexFraction and BlockRate enable the runtime's mutex and block
	// profiles. Zero leaves them off.
	MutexFraction int
	BlockRate     int

	// OnActive reports profiler state, e.g. to a metrics gauge.
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start returns a stop func that is never nil and safe to call repeatedly,
// including when Start fails.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}
	active := opts.OnActive
	if active == nil {
		active = func(bool) {}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if u, err := url.Parse(opts.ServerAddress); opts.ServerAddress == "" || err != nil || u.Host == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	app := opts.AppName
	if app == "" {
		app = version.AppName
	}

	if opts.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexFraction)
	}
	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress, "app_name", app)
		return noop, err
	}
	active(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", app)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped", "app_name", app)
		})
	}, nil
}
