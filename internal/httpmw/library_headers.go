package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LibraryInfo reports which course library bundle is being served.
type LibraryInfo interface {
	LibraryVersion() string
	LibraryHash() string
}

// LibraryHeaders adds X-Library-Version and X-Library-Hash to every response
// once a bundle has been installed.
func LibraryHeaders(info LibraryInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v, h := info.LibraryVersion(), info.LibraryHash()
				if v != "" {
					w.Header().Set("X-Library-Version", v)
				}
				if h != "" {
					short := h
					if len(short) > 12 {
						short = short[:12]
					}
					w.Header().Set("X-Library-Hash", short)
				}
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("library.version", v))
					}
					if h != "" {
						span.SetAttributes(attribute.String("library.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
