package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/role"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, idle time.Duration) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m, err := New(Options{IdleWindow: idle, Now: clk.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, clk
}

func TestBeginValidate(t *testing.T) {
	m, _ := newManager(t, time.Minute)

	tok, err := m.Begin("alice", role.Student)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(tok) != tokenBytes*2 {
		t.Fatalf("token length = %d", len(tok))
	}

	p, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Identity != "alice" || p.Role != role.Student {
		t.Fatalf("principal = %+v", p)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestBegin_Rejects(t *testing.T) {
	m, _ := newManager(t, time.Minute)
	if _, err := m.Begin("", role.Student); err == nil {
		t.Fatal("empty identity should fail")
	}
	if _, err := m.Begin("bob", role.Role("admin")); err == nil {
		t.Fatal("unknown role should fail")
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d after failed begins", m.Len())
	}
}

func TestBegin_DistinctTokens(t *testing.T) {
	m, _ := newManager(t, time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := m.Begin("alice", role.Student)
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
	}
	if m.Len() != 100 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestBegin_EntropyFailure(t *testing.T) {
	m, err := New(Options{Random: bytes.NewReader(nil)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin("alice", role.Student); err == nil {
		t.Fatal("Begin should fail when entropy is exhausted")
	}
}

func TestValidate_Unknown(t *testing.T) {
	m, _ := newManager(t, time.Minute)
	for _, tok := range []string{"", "  ", "deadbeef"} {
		if _, err := m.Validate(tok); !errors.Is(err, ErrUnknown) {
			t.Errorf("Validate(%q) err = %v, want ErrUnknown", tok, err)
		}
	}
}

func TestValidate_IdleExpiry(t *testing.T) {
	m, clk := newManager(t, 10*time.Minute)
	tok, _ := m.Begin("alice", role.Student)

	clk.Advance(9 * time.Minute)
	if _, err := m.Validate(tok); err != nil {
		t.Fatalf("within window: %v", err)
	}

	// the validate above refreshed the timer
	clk.Advance(9 * time.Minute)
	if _, err := m.Validate(tok); err != nil {
		t.Fatalf("after refresh: %v", err)
	}

	clk.Advance(10*time.Minute + time.Second)
	if _, err := m.Validate(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expired session still counted: %d", m.Len())
	}
	if _, err := m.Validate(tok); !errors.Is(err, ErrUnknown) {
		t.Fatalf("second validate err = %v, want ErrUnknown", err)
	}
}

func TestValidate_ExactWindowStillValid(t *testing.T) {
	m, clk := newManager(t, time.Minute)
	tok, _ := m.Begin("alice", role.Student)
	clk.Advance(time.Minute)
	if _, err := m.Validate(tok); err != nil {
		t.Fatalf("at exactly the window: %v", err)
	}
}

func TestLookup_Snapshot(t *testing.T) {
	m, clk := newManager(t, time.Hour)
	start := clk.Now()
	tok, _ := m.Begin("carol", role.Teacher)
	clk.Advance(5 * time.Minute)

	s, err := m.Lookup(tok)
	if err != nil {
		t.Fatal(err)
	}
	if !s.CreatedAt.Equal(start) || !s.LastSeenAt.Equal(start.Add(5*time.Minute)) {
		t.Fatalf("session = %+v", s)
	}
}

func TestEnd(t *testing.T) {
	var counts []int
	m, err := New(Options{OnChange: func(n int) { counts = append(counts, n) }})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Begin("alice", role.Student)
	b, _ := m.Begin("bob", role.Teacher)

	m.End(a)
	m.End(a)
	m.End("never-issued")

	if _, err := m.Validate(a); !errors.Is(err, ErrUnknown) {
		t.Fatalf("ended token err = %v", err)
	}
	if _, err := m.Validate(b); err != nil {
		t.Fatalf("other session affected: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d", m.Len())
	}
	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("OnChange calls = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("OnChange calls = %v, want %v", counts, want)
		}
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	if _, err := New(Options{IdleWindow: -time.Second}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("err = %v, want ErrInvalidOptions", err)
	}
	m, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if m.IdleWindow() != DefaultIdleWindow {
		t.Fatalf("IdleWindow = %s", m.IdleWindow())
	}
}

// Concurrent validate and end on the same token must leave the count at
// zero exactly once, never negative.
func TestConcurrentValidateEnd(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	const sessions = 50

	toks := make([]string, sessions)
	for i := range toks {
		toks[i], _ = m.Begin("alice", role.Student)
	}

	var wg sync.WaitGroup
	for _, tok := range toks {
		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func(tok string) {
				defer wg.Done()
				_, _ = m.Validate(tok)
			}(tok)
			go func(tok string) {
				defer wg.Done()
				m.End(tok)
			}(tok)
		}
	}
	wg.Wait()

	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	for _, tok := range toks {
		if _, err := m.Validate(tok); !errors.Is(err, ErrUnknown) {
			t.Fatalf("token survived End: %v", err)
		}
	}
}
