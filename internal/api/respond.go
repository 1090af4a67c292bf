package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/edutoolbox/internal/gateway"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/store"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (a *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContextOr(ctx, a.logger).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (a *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	a.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

// fail maps err onto a response. Gateway denials use their public form, so
// a hidden entry and a missing one are indistinguishable to the client.
func (a *API) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var d *gateway.Denial
	switch {
	case errors.As(err, &d):
		pub := d.Public()
		a.writeError(ctx, w, pub.Status, pub.Message)
	case errors.Is(err, store.ErrNotFound):
		a.writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalid):
		a.writeError(ctx, w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		log.FromContextOr(ctx, a.logger).Error(ctx, err, "request failed")
		a.writeError(ctx, w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v and runs struct validation. On failure it
// writes the 400 itself and returns false.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request too large")
			return false
		}
		a.writeError(ctx, w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		a.writeError(ctx, w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			a.fail(ctx, w, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		a.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request", Fields: fields})
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// param returns the unescaped chi URL parameter.
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// token extracts the session token. A bearer header wins over the cookie.
func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}
