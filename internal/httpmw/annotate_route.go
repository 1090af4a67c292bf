package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// route is what routing learned about a request: the chi pattern and, for
// library downloads, the catalog entry id asked for.
type route struct {
	pattern string
	entryID string
}

// routeOf reads the chi route context once the router has run.
func routeOf(ctx context.Context, r *http.Request) route {
	var rt route
	if rc := chi.RouteContext(ctx); rc != nil {
		rt.pattern = rc.RoutePattern()
		if strings.HasPrefix(rt.pattern, "/files/") {
			rt.entryID = rc.URLParam("id")
		}
	}
	if rt.pattern == "" {
		rt.pattern = r.URL.Path
	}
	return rt
}

// AnnotateHTTPRoute renames the server span to the route pattern, so every
// download shares one span name, and tags it with the entry id.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		rt := routeOf(ctx, r)
		span.SetAttributes(attribute.String("http.route", rt.pattern))
		if rt.entryID != "" {
			span.SetAttributes(attribute.String("library.entry_id", rt.entryID))
		}
		span.SetName(r.Method + " " + rt.pattern)
	})
}
