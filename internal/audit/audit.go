// Package audit writes security incidents to a log stream kept apart from
// ordinary request logs. Records carry channel=security_audit and can be
// sent to a dedicated file so they survive log rotation of the main stream.
package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

const Channel = "security_audit"

// Kind names the incident class.
type Kind string

const (
	PathViolation Kind = "path_violation"
	LoginRejected Kind = "login_rejected"
	LoginLimited  Kind = "login_rate_limited"
	RoleMismatch  Kind = "role_mismatch"
)

// Event is one incident. RequestID ties it to the access log line and the
// X-Request-Id the client saw.
type Event struct {
	Kind      Kind
	RequestID string
	Identity  string
	EntryID   string
	ClientIP  string
	Detail    string
	Err       error
}

// Recorder is what the gateway and api depend on.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type Options struct {
	App     string
	Version string
	Commit  string

	// Path, if set, appends JSON records to this file. Otherwise records go
	// to Writer (default stderr).
	Path   string
	Writer io.Writer
}

type Logger struct {
	l log.Logger

	mu sync.Mutex
	f  *os.File
}

func New(opts Options) (*Logger, error) {
	a := &Logger{}
	w := opts.Writer
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, xerrors.Wrapf(err, "create audit log dir for %s", opts.Path)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, xerrors.Wrapf(err, "open audit log %s", opts.Path)
		}
		a.f = f
		w = f
	}
	if w == nil {
		w = os.Stderr
	}

	l, err := log.New(log.Options{
		App:        opts.App,
		Version:    opts.Version,
		Commit:     opts.Commit,
		Channel:    Channel,
		Level:      slog.LevelInfo,
		JsonFormat: true,
		Writer:     w,
		// audit records are about the event, not where it was logged from
		StacktraceLevel: slog.LevelError + 1,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.l = l
	return a, nil
}

// FromLogger wraps an existing logger. Used when no dedicated sink is
// configured and in tests.
func FromLogger(l log.Logger) *Logger {
	return &Logger{l: log.OrNop(l).With("channel", Channel)}
}

// Record writes one incident at warn level.
func (a *Logger) Record(ctx context.Context, ev Event) {
	if a == nil || a.l == nil {
		return
	}
	kv := []any{"event", string(ev.Kind)}
	if ev.RequestID != "" {
		kv = append(kv, "request_id", ev.RequestID)
	}
	if ev.Identity != "" {
		kv = append(kv, "identity", ev.Identity)
	}
	if ev.EntryID != "" {
		kv = append(kv, "entry_id", ev.EntryID)
	}
	if ev.ClientIP != "" {
		kv = append(kv, "client_ip", ev.ClientIP)
	}
	if ev.Detail != "" {
		kv = append(kv, "detail", ev.Detail)
	}
	if ev.Err != nil {
		kv = append(kv, "err", ev.Err.Error())
	}
	a.l.Warn(ctx, "security incident", kv...)
}

// Close releases the file sink, if any.
func (a *Logger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Nop discards incidents.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
