// Package store persists per-identity side state: notes, progress markers,
// assignment submissions with their grades, and library access events.
//
// Every write commits before it returns. Writes for one identity are
// serialized by a keyed lock so read-modify-write sequences never
// interleave; different identities proceed independently.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/store/migrations"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

var (
	ErrNotFound = errors.New("store: record not found")
	ErrInvalid  = errors.New("store: invalid argument")

	ErrInvalidOptions = errors.New("store: invalid options")
)

const (
	MaxRefIDLen   = 128
	MaxNoteLen    = 64 << 10
	MaxMarkerLen  = 256
	MaxPayloadLen = 1 << 20
	MaxFeedback   = 16 << 10
)

// WriteObserver times writes; *metrics.ServerMetrics satisfies it.
type WriteObserver interface {
	ObserveStoreWrite(op string, d time.Duration, err error)
}

type Options struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger  log.Logger
	Metrics WriteObserver
}

func (o *Options) setDefaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = log.OrNop(o.Logger)
}

func (o *Options) validate() error {
	if strings.TrimSpace(o.Path) == "" {
		return fmt.Errorf("%w: Path is required", ErrInvalidOptions)
	}
	return nil
}

type Store struct {
	db      *sql.DB
	now     func() time.Time
	logger  log.Logger
	metrics WriteObserver
	locks   *keyedMutex
}

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Open creates or opens the database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create database dir for %s", opts.Path)
	}

	db, err := sql.Open("sqlite3", dsn(opts.Path))
	if err != nil {
		return nil, xerrors.Wrap(err, "open database")
	}
	// one connection: sqlite has a single writer and the pragmas are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrapf(err, "connect to %s", opts.Path)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	opts.Logger.Info(ctx, "content store ready", "path", opts.Path)
	return &Store{
		db:      db,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		locks:   newKeyedMutex(),
	}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "FULL")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return xerrors.Wrap(err, "set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return xerrors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// write runs fn under identity's lock and reports its latency.
func (s *Store) write(ctx context.Context, op, identity string, fn func() error) error {
	unlock := s.locks.Lock(identity)
	defer unlock()

	start := time.Now()
	err := fn()
	if s.metrics != nil {
		s.metrics.ObserveStoreWrite(op, time.Since(start), err)
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalid) {
		s.logger.Error(ctx, err, "store write failed", "op", op)
	}
	return err
}

func checkKey(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalid, field)
	}
	if len(v) > max {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalid, field, max)
	}
	return nil
}

func checkLen(field, v string, max int) error {
	if len(v) > max {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalid, field, max)
	}
	return nil
}

func toTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
