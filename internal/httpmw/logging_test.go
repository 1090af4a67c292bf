package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/edutoolbox/internal/log"
)

type capturedLog struct {
	msg    string
	fields []any
}

// flatLogger captures With() and Info() calls. With returns the same
// logger so everything lands in one place.
type flatLogger struct {
	mu    sync.Mutex
	infos []capturedLog
	withs [][]any
}

func (l *flatLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *flatLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, capturedLog{msg: msg, fields: kv})
}

func (l *flatLogger) Debug(context.Context, string, ...any)        {}
func (l *flatLogger) Warn(context.Context, string, ...any)         {}
func (l *flatLogger) Error(context.Context, error, string, ...any) {}
func (l *flatLogger) Sync() error                                  { return nil }

func (l *flatLogger) infoCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.infos)
}

func (l *flatLogger) lastInfo(t *testing.T) capturedLog {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.infos) == 0 {
		t.Fatal("no Info logged")
	}
	return l.infos[len(l.infos)-1]
}

func (l *flatLogger) withValue(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kv := range l.withs {
		if v, ok := fieldValue(kv, key); ok {
			return v, true
		}
	}
	return nil, false
}

func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() { f.flushed = true }

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, ctx: context.Background()}
	_, _ = rw.Write([]byte("hello "))
	_, _ = rw.Write([]byte("world"))
	if rw.status != http.StatusOK || rw.bytes != 11 {
		t.Fatalf("status=%d bytes=%d", rw.status, rw.bytes)
	}
	if rw.Unwrap() != rec {
		t.Fatal("Unwrap should return the underlying writer")
	}

	rw = &responseWriter{ResponseWriter: httptest.NewRecorder(), ctx: context.Background()}
	rw.WriteHeader(http.StatusNotFound)
	if rw.status != http.StatusNotFound {
		t.Fatalf("status = %d", rw.status)
	}
	rw.finishWriteSpan() // no recording parent, no span
}

func TestResponseWriter_FlushHijack(t *testing.T) {
	fr := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	(&responseWriter{ResponseWriter: fr}).Flush()
	if !fr.flushed {
		t.Fatal("Flush not forwarded")
	}
	(&responseWriter{ResponseWriter: httptest.NewRecorder()}).Flush()

	hr := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	if _, _, err := (&responseWriter{ResponseWriter: hr}).Hijack(); err != nil || !hr.hijacked {
		t.Fatalf("Hijack not forwarded: %v", err)
	}
	if _, _, err := (&responseWriter{ResponseWriter: httptest.NewRecorder()}).Hijack(); err == nil {
		t.Fatal("Hijack on plain recorder should fail")
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		proto  string
		tls    bool
		want   string
	}{
		{"default", "/", "", false, "http"},
		{"forwarded https", "/", "https", false, "https"},
		{"forwarded case and spaces", "/", "  HTTPS ", false, "https"},
		{"forwarded first of many", "/", "https, http", false, "https"},
		{"forwarded invalid", "/", "ftp", false, "http"},
		{"forwarded injection", "/", "https\r\nX-Injected: evil", false, "http"},
		{"forwarded null byte", "/", "https\x00evil", false, "http"},
		{"url scheme", "https://example.com/p", "", false, "https"},
		{"tls", "/", "", true, "https"},
		{"forwarded wins over tls", "http://example.com/", "https", true, "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.proto != "" {
				r.Header["X-Forwarded-Proto"] = []string{tt.proto}
			}
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/p", http.NoBody)
	r.URL.Scheme = "gopher"
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("invalid url scheme = %q", got)
	}
}

func TestWithLogger(t *testing.T) {
	L := &flatLogger{}
	var fromCtx log.Logger
	h := WithLogger(L)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = log.FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/files/mod1?token=secret", http.NoBody)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("User-Agent", "evil\nagent")
	ctx := WithRequestID(r.Context(), "req-1")
	ctx = WithClientIP(ctx, "203.0.113.7")
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(ctx))

	if fromCtx != L {
		t.Fatal("request logger not stored in context")
	}
	want := map[string]any{
		"request_id":           "req-1",
		"client.address":       "203.0.113.7",
		"network.peer.address": "10.0.0.9",
		"url.path":             "/files/mod1",
		"url.scheme":           "http",
		"http.request.method":  http.MethodGet,
	}
	for k, v := range want {
		if got, ok := L.withValue(k); !ok || got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	for _, k := range []string{"url.query", "user_agent", "user_agent.original"} {
		if _, ok := L.withValue(k); ok {
			t.Errorf("%s must not be logged", k)
		}
	}
}

func TestWithLogger_FallsBackToPeer(t *testing.T) {
	L := &flatLogger{}
	h := WithLogger(L)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "192.0.2.1:80"
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got, _ := L.withValue("client.address"); got != "192.0.2.1" {
		t.Fatalf("client.address = %v", got)
	}
}

func serveLogged(L log.Logger, h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r = r.WithContext(log.WithContext(r.Context(), L))
	AccessLog()(h).ServeHTTP(rec, r)
	return rec
}

func TestAccessLog(t *testing.T) {
	L := &flatLogger{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("saved"))
	})
	r := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"ref_id":"m1"}`))
	serveLogged(L, h, r)

	got := L.lastInfo(t)
	if got.msg != "http request" {
		t.Fatalf("msg = %q", got.msg)
	}
	checks := map[string]any{
		"http.response.status_code": http.StatusCreated,
		"http.response.body.size":   int64(5),
		"http.request.body.size":    int64(15),
		"http.route":                "/api/notes",
	}
	for k, v := range checks {
		if fv, ok := fieldValue(got.fields, k); !ok || fv != v {
			t.Errorf("%s = %v, want %v", k, fv, v)
		}
	}
	if d, ok := fieldValue(got.fields, "http.server.request.duration"); !ok || d.(float64) < 0 {
		t.Errorf("duration = %v", d)
	}
}

func TestAccessLog_Skips(t *testing.T) {
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	for _, p := range []string{"/-/ready", "/-/healthy", "/assets/app.js", "/assets/site.css", "/favicon.ico"} {
		L := &flatLogger{}
		serveLogged(L, h, httptest.NewRequest(http.MethodGet, p, http.NoBody))
		if L.infoCount() != 0 {
			t.Errorf("%s was logged", p)
		}
	}
	for _, p := range []string{"/files/a.pdf", "/files/diagram.png"} {
		L := &flatLogger{}
		serveLogged(L, h, httptest.NewRequest(http.MethodGet, p, http.NoBody))
		if L.infoCount() != 1 {
			t.Errorf("download %s should be logged", p)
		}
	}
}

func TestAccessLog_ChiRoutePattern(t *testing.T) {
	L := &flatLogger{}
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/files/{id}", func(http.ResponseWriter, *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/files/mod1-guide", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), L)))

	fields := L.lastInfo(t).fields
	if v, _ := fieldValue(fields, "http.route"); v != "/files/{id}" {
		t.Fatalf("http.route = %v", v)
	}
	if v, _ := fieldValue(fields, "entry_id"); v != "mod1-guide" {
		t.Fatalf("entry_id = %v", v)
	}

	// only downloads carry an entry id
	r.Get("/api/notes/{id}", func(http.ResponseWriter, *http.Request) {})
	req = httptest.NewRequest(http.MethodGet, "/api/notes/n1", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), L)))
	if v, ok := fieldValue(L.lastInfo(t).fields, "entry_id"); ok {
		t.Fatalf("entry_id = %v on a non-download route", v)
	}
}

func TestScope(t *testing.T) {
	L := &flatLogger{}
	h := Scope("files")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(log.WithContext(r.Context(), L)))
	if v, _ := L.withValue("handler"); v != "files" {
		t.Fatalf("handler = %v", v)
	}
}
