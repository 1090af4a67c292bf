package httpmw

import (
	"net/http"

	"github.com/keithlinneman/edutoolbox/internal/log"
)

// MaxBody caps request bodies at limit bytes. Logins, notes and submissions
// are small JSON documents and downloads carry no body at all, so a request
// that declares more is refused with a JSON 413 before any handler runs. A
// body sent without a length fails on read once it passes the cap.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				ctx := r.Context()
				log.FromContext(ctx).Warn(ctx, "request body over limit",
					"http.request.body.size", r.ContentLength, "limit", limit)
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = w.Write([]byte(`{"error":"request body too large"}` + "\n"))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
