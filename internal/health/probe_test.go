package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	if err := Fixed(false, "database down").Check(context.Background()); err == nil || err.Error() != "database down" {
		t.Fatalf("err = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason = %v", err)
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	var secondCalled bool
	second := CheckFunc(func(context.Context) error { secondCalled = true; return nil })

	tests := []struct {
		name string
		p    Probe
		want string
	}{
		{"empty", All(), ""},
		{"all pass", All(Fixed(true, ""), nil, Fixed(true, "")), ""},
		{"first error wins", All(nil, Fixed(false, "a"), Fixed(false, "b")), "a"},
		{"second fails", All(Fixed(true, ""), Fixed(false, "b")), "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Check(ctx)
			if tt.want == "" && err != nil {
				t.Fatalf("err = %v", err)
			}
			if tt.want != "" && (err == nil || err.Error() != tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}

	_ = All(Fixed(false, "stop"), second).Check(ctx)
	if secondCalled {
		t.Fatal("All did not short circuit")
	}
}

type rootSource pathutil.Root

func (r rootSource) Root() pathutil.Root { return pathutil.Root(r) }

func TestContentRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "library")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	root, err := pathutil.ResolveRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	p := ContentRoot(rootSource(root))
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("fresh root: %v", err)
	}

	// the library directory replaced by a link to somewhere else
	elsewhere := t.TempDir()
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(elsewhere, dir); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	err = p.Check(context.Background())
	if !errors.Is(err, pathutil.ErrRootChanged) || !strings.HasPrefix(err.Error(), "content root: ") {
		t.Fatalf("err = %v, want ErrRootChanged", err)
	}

	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := ContentRoot(rootSource(root)).Check(context.Background()); !errors.Is(err, pathutil.ErrRootChanged) {
		t.Fatalf("missing root: %v", err)
	}
}

type fakePinger struct {
	err   error
	block bool
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	if err := Ping("store", fakePinger{}, 0).Check(ctx); err != nil {
		t.Fatalf("err = %v", err)
	}

	boom := errors.New("disk I/O error")
	err := Ping("store", fakePinger{err: boom}, 0).Check(ctx)
	if !errors.Is(err, boom) || err.Error() != "store: disk I/O error" {
		t.Fatalf("err = %v", err)
	}

	start := time.Now()
	err = Ping("store", fakePinger{block: true}, 20*time.Millisecond).Check(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("ping timeout not applied")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	ctx := context.Background()
	p := g.Probe()

	if err := p.Check(ctx); err != nil {
		t.Fatalf("fresh gate should pass: %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("cleared gate should pass: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("x"); g.Clear() }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
}

func TestAll_GateAndStore(t *testing.T) {
	var g ShutdownGate
	var pingErr error
	store := Ping("store", pingerFunc(func(context.Context) error { return pingErr }), 0)
	p := All(g.Probe(), store)

	pingErr = errors.New("locked")
	if err := p.Check(context.Background()); err == nil || err.Error() != "store: locked" {
		t.Fatalf("err = %v", err)
	}
	pingErr = nil
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
