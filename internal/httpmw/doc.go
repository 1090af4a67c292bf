// Package httpmw provides HTTP middleware for the public listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, rate limiting, tracing, library
// headers, metrics, request logger, then the chi router with access logging.
//
// Query strings, user agents, and request bodies stay out of the logs.
// Session tokens travel in a cookie or an Authorization header and are
// never logged either.
package httpmw
