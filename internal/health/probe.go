package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

// Probe is evaluated at request time: nil is healthy, an error is the reason
// it is not.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes p with a bounded wait. A zero timeout means one second.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return xerrors.Wrap(p.Ping(ctx), name)
	}
}

// RootSource is satisfied by *catalog.Catalog.
type RootSource interface {
	Root() pathutil.Root
}

// ContentRoot fails while the served content root no longer resolves to the
// directory it did when the catalog was loaded. Every download is refused as
// a path violation in that state, so the instance should leave rotation.
func ContentRoot(src RootSource) CheckFunc {
	return func(context.Context) error {
		return xerrors.Wrap(pathutil.CheckRoot(src.Root()), "content root")
	}
}

// ShutdownGate flips readiness to false while the server drains.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
