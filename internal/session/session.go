// Package session issues and validates opaque bearer tokens bound to an
// identity and a role. Sessions live in memory only and expire lazily after
// an idle window; there is no background sweeper.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/role"
)

var (
	ErrUnknown = errors.New("session: unknown token")
	ErrExpired = errors.New("session: expired")

	// ErrInvalidOptions is returned by New for unusable options.
	ErrInvalidOptions = errors.New("session: invalid options")
)

const (
	DefaultIdleWindow = 30 * time.Minute
	tokenBytes        = 32
)

// Principal is who a validated token speaks for.
type Principal struct {
	Identity string
	Role     role.Role
}

// Session is a snapshot of one active session.
type Session struct {
	Principal
	CreatedAt  time.Time
	LastSeenAt time.Time
}

type Options struct {
	// IdleWindow is how long a token may go unused before it stops validating.
	IdleWindow time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Random is the token entropy source. Defaults to crypto/rand.
	Random io.Reader

	// OnChange, if set, is called with the active count after each begin or removal.
	OnChange func(active int)
}

func (o *Options) setDefaults() {
	if o.IdleWindow == 0 {
		o.IdleWindow = DefaultIdleWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
}

func (o *Options) validate() error {
	if o.IdleWindow < 0 {
		return fmt.Errorf("%w: IdleWindow %s is negative", ErrInvalidOptions, o.IdleWindow)
	}
	return nil
}

// entry is one session. mu serializes validate/end on the same token so a
// refresh can never resurrect a session that is being removed.
type entry struct {
	mu      sync.Mutex
	s       Session
	removed bool
}

// Manager owns the session table. The table is a sync.Map so operations on
// different tokens never contend on a shared lock.
type Manager struct {
	opts   Options
	table  sync.Map // token -> *entry
	active atomic.Int64
}

func New(opts Options) (*Manager, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

// IdleWindow is the configured idle timeout.
func (m *Manager) IdleWindow() time.Duration { return m.opts.IdleWindow }

// Begin creates a session and returns its token.
func (m *Manager) Begin(identity string, r role.Role) (string, error) {
	if identity == "" {
		return "", errors.New("session: empty identity")
	}
	if !r.Valid() {
		return "", fmt.Errorf("session: invalid role %q", r)
	}

	now := m.opts.Now()
	e := &entry{s: Session{
		Principal:  Principal{Identity: identity, Role: r},
		CreatedAt:  now,
		LastSeenAt: now,
	}}

	for attempt := 0; attempt < 3; attempt++ {
		tok, err := m.newToken()
		if err != nil {
			return "", err
		}
		if _, loaded := m.table.LoadOrStore(tok, e); loaded {
			continue
		}
		m.changed(m.active.Add(1))
		return tok, nil
	}
	return "", errors.New("session: could not allocate a unique token")
}

func (m *Manager) newToken() (string, error) {
	var b [tokenBytes]byte
	if _, err := io.ReadFull(m.opts.Random, b[:]); err != nil {
		return "", fmt.Errorf("session: read token entropy: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Validate returns the principal for token and refreshes its idle timer.
// An idle-expired session is evicted and reported as ErrExpired once; after
// that the token is ErrUnknown like any other.
func (m *Manager) Validate(token string) (Principal, error) {
	s, err := m.touch(token)
	if err != nil {
		return Principal{}, err
	}
	return s.Principal, nil
}

// Lookup is Validate returning the full session snapshot.
func (m *Manager) Lookup(token string) (Session, error) {
	return m.touch(token)
}

func (m *Manager) touch(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnknown
	}
	v, ok := m.table.Load(token)
	if !ok {
		return Session{}, ErrUnknown
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, ErrUnknown
	}
	now := m.opts.Now()
	if now.Sub(e.s.LastSeenAt) > m.opts.IdleWindow {
		m.removeLocked(token, e)
		return Session{}, ErrExpired
	}
	e.s.LastSeenAt = now
	return e.s, nil
}

// End removes the session. Ending an unknown or already ended token is a no-op.
func (m *Manager) End(token string) {
	v, ok := m.table.Load(token)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed {
		m.removeLocked(token, e)
	}
}

// removeLocked must be called with e.mu held.
func (m *Manager) removeLocked(token string, e *entry) {
	e.removed = true
	m.table.CompareAndDelete(token, e)
	m.changed(m.active.Add(-1))
}

func (m *Manager) changed(n int64) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(int(n))
	}
}

// Len is the number of sessions not yet ended or evicted. Idle sessions
// that nobody has validated since they expired are still counted.
func (m *Manager) Len() int { return int(m.active.Load()) }
