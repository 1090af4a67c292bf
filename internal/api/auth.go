package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/audit"
	"github.com/keithlinneman/edutoolbox/internal/httpmw"
	"github.com/keithlinneman/edutoolbox/internal/identity"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

// Login outcomes as counted in metrics.
const (
	loginOK       = "ok"
	loginRejected = "rejected"
	loginLimited  = "limited"
	loginInvalid  = "invalid"
	loginError    = "error"
)

type loginRequest struct {
	Identity      string `json:"identity" validate:"required,max=256"`
	Credential    string `json:"credential" validate:"required,max=1024"`
	ActivationKey string `json:"activation_key" validate:"omitempty,max=64"`
	// Role is what the login form claims the user is. When set it must match
	// the account.
	Role string `json:"role" validate:"omitempty,oneof=student teacher"`
}

type sessionResponse struct {
	Token       string    `json:"token,omitempty"`
	Identity    string    `json:"identity"`
	Role        role.Role `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	IdleSeconds int       `json:"idle_timeout_seconds"`
}

func (a *API) countLogin(outcome string) {
	if a.metrics != nil {
		a.metrics.IncLogin(outcome)
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := httpmw.ClientIPFromContext(ctx)
	reqID := httpmw.RequestIDFromContext(ctx)

	if a.limiter != nil && !a.limiter.Allow(ip) {
		a.countLogin(loginLimited)
		a.audit.Record(ctx, audit.Event{Kind: audit.LoginLimited, RequestID: reqID, ClientIP: ip})
		w.Header().Set("Retry-After", "30")
		a.writeError(ctx, w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req loginRequest
	if !a.decode(w, r, &req) {
		a.countLogin(loginInvalid)
		return
	}
	id := identity.NormalizeIdentity(req.Identity)

	got, err := a.verifier.Verify(ctx, id, req.Credential, req.ActivationKey)
	switch {
	case errors.Is(err, identity.ErrRejected):
		a.countLogin(loginRejected)
		a.audit.Record(ctx, audit.Event{Kind: audit.LoginRejected, RequestID: reqID, Identity: id, ClientIP: ip})
		a.writeError(ctx, w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		a.countLogin(loginError)
		a.fail(ctx, w, err)
		return
	}

	if req.Role != "" && role.Role(req.Role) != got {
		a.countLogin(loginRejected)
		a.audit.Record(ctx, audit.Event{
			Kind:      audit.RoleMismatch,
			RequestID: reqID,
			Identity:  id,
			ClientIP:  ip,
			Detail:    "requested " + req.Role + ", account is " + got.String(),
		})
		a.writeError(ctx, w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tok, err := a.sessions.Begin(id, got)
	if err != nil {
		a.countLogin(loginError)
		a.fail(ctx, w, err)
		return
	}
	a.countLogin(loginOK)
	log.FromContextOr(ctx, a.logger).Info(ctx, "session started", "identity", id, "role", got)

	a.setCookie(w, tok, 0)
	now := time.Now().UTC()
	a.writeJSON(ctx, w, http.StatusOK, sessionResponse{
		Token:       tok,
		Identity:    id,
		Role:        got,
		CreatedAt:   now,
		LastSeenAt:  now,
		IdleSeconds: int(a.sessions.IdleWindow().Seconds()),
	})
}

// handleLogout ends the session if there is one. It always succeeds.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok := token(r); tok != "" {
		a.sessions.End(tok)
	}
	a.setCookie(w, "", -1)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := a.sessions.Lookup(token(r))
	if err != nil {
		a.writeError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, sessionResponse{
		Identity:    s.Identity,
		Role:        s.Role,
		CreatedAt:   s.CreatedAt.UTC(),
		LastSeenAt:  s.LastSeenAt.UTC(),
		IdleSeconds: int(a.sessions.IdleWindow().Seconds()),
	})
}

// setCookie writes the session cookie. maxAge 0 makes it a browser-session
// cookie and maxAge < 0 deletes it. Idle expiry is enforced server side.
func (a *API) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
