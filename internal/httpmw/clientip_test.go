package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractRealClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		hops       int
		want       string
	}{
		{"no hops ignores xff", "10.0.0.1:1234", "203.0.113.50", 0, "10.0.0.1"},
		{"no hops no xff", "192.168.1.1:1234", "", 0, "192.168.1.1"},
		{"public peer ignores xff", "203.0.113.1:1234", "10.0.0.1", 1, "203.0.113.1"},
		{"loopback ignores xff", "127.0.0.1:1234", "203.0.113.50", 1, "127.0.0.1"},
		{"ipv6 private no hops", "[fd00::1]:1234", "2001:db8::1", 0, "fd00::1"},
		{"single proxy takes rightmost", "10.0.0.1:1234", "198.51.100.9, 203.0.113.50", 1, "203.0.113.50"},
		{"single proxy one entry", "172.16.0.1:1234", "203.0.113.50", 1, "203.0.113.50"},
		{"two proxies take second from end", "10.0.0.1:1234", "198.51.100.9, 203.0.113.50, 10.0.0.7", 2, "203.0.113.50"},
		{"fewer entries than hops fails closed", "10.0.0.1:1234", "203.0.113.50", 3, "10.0.0.1"},
		{"garbage candidate keeps peer", "10.0.0.1:1234", "not-an-ip", 1, "10.0.0.1"},
		{"trusted peer without xff", "10.0.0.1:1234", "", 1, "10.0.0.1"},
		{"empty remote", "", "", 0, "0.0.0.0"},
		{"no port", "10.0.0.1", "", 0, "10.0.0.1"},
		{"unparseable ip", "nope:80", "", 0, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := extractRealClientAddr(r, tt.hops); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRealClientAddr_HeaderClearing(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		hops   int
		xff    string
		keep   bool
	}{
		{"public peer", "203.0.113.1:1", 1, "1.2.3.4", false},
		{"no trusted hops", "10.0.0.1:1", 0, "1.2.3.4", false},
		{"too few entries", "10.0.0.1:1", 2, "1.2.3.4", false},
		{"trusted proxy", "10.0.0.1:1", 1, "1.2.3.4", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			r.Header.Set("X-Forwarded-For", tt.xff)
			r.Header.Set("X-Forwarded-Proto", "https")
			extractRealClientAddr(r, tt.hops)
			kept := r.Header.Get("X-Forwarded-For") != "" && r.Header.Get("X-Forwarded-Proto") != ""
			if kept != tt.keep {
				t.Fatalf("headers kept = %v, want %v", kept, tt.keep)
			}
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.50")

	ClientIP(next).ServeHTTP(httptest.NewRecorder(), r)
	if got != "10.0.0.1" {
		t.Fatalf("default options: %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(next).ServeHTTP(httptest.NewRecorder(), r)
	if got != "203.0.113.50" {
		t.Fatalf("one hop: %q", got)
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := context.Background()
	if ClientIPFromContext(ctx) != "" {
		t.Fatal("missing ip should be empty")
	}
	if WithClientIP(ctx, "") != ctx {
		t.Fatal("empty ip should not wrap the context")
	}
	if got := ClientIPFromContext(WithClientIP(ctx, "10.1.2.3")); got != "10.1.2.3" {
		t.Fatalf("round trip = %q", got)
	}
}
