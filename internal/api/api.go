// Package api is the JSON and file-download surface of the gateway.
//
// Every handler takes the session token from the edutb_session cookie or an
// Authorization: Bearer header and hands it to the gateway or the records
// service untouched. Handlers never decide access themselves.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/edutoolbox/internal/audit"
	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/gateway"
	"github.com/keithlinneman/edutoolbox/internal/httpmw"
	"github.com/keithlinneman/edutoolbox/internal/identity"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/role"
	"github.com/keithlinneman/edutoolbox/internal/session"
	"github.com/keithlinneman/edutoolbox/internal/store"
)

// CookieName carries the session token.
const CookieName = "edutb_session"

var ErrInvalidOptions = errors.New("api: invalid options")

// Sessions is the part of session.Manager the login endpoints drive.
type Sessions interface {
	Begin(identity string, r role.Role) (string, error)
	Lookup(token string) (session.Session, error)
	End(token string)
	IdleWindow() time.Duration
}

// Gateway is satisfied by *gateway.Gateway.
type Gateway interface {
	Resolve(ctx context.Context, token, id string) (gateway.Approved, error)
	Require(ctx context.Context, token string, min role.Role) (session.Principal, error)
}

// Library is the listing side of *catalog.Catalog.
type Library interface {
	ListFor(r role.Role) []catalog.Entry
	Modules(r role.Role) []catalog.Module
}

// Records is satisfied by *records.Service.
type Records interface {
	SaveNote(ctx context.Context, token, refID, text string) (store.Note, error)
	DeleteNote(ctx context.Context, token, refID string) error
	Notes(ctx context.Context, token, subject string) ([]store.Note, error)
	MarkProgress(ctx context.Context, token, refID, marker string) (store.Progress, error)
	Progress(ctx context.Context, token, subject string) ([]store.Progress, error)
	Submit(ctx context.Context, token, refID, payload string) (store.Submission, error)
	Submissions(ctx context.Context, token, subject string) ([]store.Submission, error)
	AssignmentSubmissions(ctx context.Context, token, refID string) ([]store.Submission, error)
	Grade(ctx context.Context, token, submissionID string, score int, feedback string) (store.Grade, error)
	Access(ctx context.Context, token, subject string, limit int) ([]store.AccessEvent, error)
	Identities(ctx context.Context, token string) ([]string, error)
}

// Limiter throttles login attempts per client IP.
type Limiter interface {
	Allow(ip string) bool
}

// LoginObserver counts login outcomes; *metrics.ServerMetrics satisfies it.
type LoginObserver interface {
	IncLogin(outcome string)
}

type Options struct {
	Logger   log.Logger
	Sessions Sessions
	Verifier identity.Verifier
	Gateway  Gateway
	Library  Library
	Records  Records

	LoginLimiter Limiter
	Audit        audit.Recorder
	Metrics      LoginObserver

	// SecureCookie marks the session cookie Secure. Leave off only when the
	// server is reached over plain http on localhost.
	SecureCookie bool
}

func (o *Options) validate() error {
	var errs []error
	if o.Sessions == nil {
		errs = append(errs, fmt.Errorf("%w: Sessions is required", ErrInvalidOptions))
	}
	if o.Verifier == nil {
		errs = append(errs, fmt.Errorf("%w: Verifier is required", ErrInvalidOptions))
	}
	if o.Gateway == nil {
		errs = append(errs, fmt.Errorf("%w: Gateway is required", ErrInvalidOptions))
	}
	if o.Library == nil {
		errs = append(errs, fmt.Errorf("%w: Library is required", ErrInvalidOptions))
	}
	if o.Records == nil {
		errs = append(errs, fmt.Errorf("%w: Records is required", ErrInvalidOptions))
	}
	return errors.Join(errs...)
}

type API struct {
	logger   log.Logger
	sessions Sessions
	verifier identity.Verifier
	gateway  Gateway
	library  Library
	records  Records
	limiter  Limiter
	audit    audit.Recorder
	metrics  LoginObserver
	secure   bool
	validate *validator.Validate
}

func New(opts Options) (*API, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	a := &API{
		logger:   log.OrNop(opts.Logger),
		sessions: opts.Sessions,
		verifier: opts.Verifier,
		gateway:  opts.Gateway,
		library:  opts.Library,
		records:  opts.Records,
		limiter:  opts.LoginLimiter,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		secure:   opts.SecureCookie,
		validate: newValidator(),
	}
	if a.audit == nil {
		a.audit = audit.Nop()
	}
	return a, nil
}

// RegisterRoutes mounts the API and the file endpoint on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("auth")).Group(func(r chi.Router) {
		r.Post("/api/login", a.handleLogin)
		r.Post("/api/logout", a.handleLogout)
		r.Get("/api/session", a.handleSession)
	})

	r.With(httpmw.Scope("library")).Group(func(r chi.Router) {
		r.Get("/api/catalog", a.handleCatalog)
		r.Get("/api/modules", a.handleModules)
		r.Get("/files/{id}", a.handleFile)
		r.Head("/files/{id}", a.handleFile)
	})

	r.With(httpmw.Scope("records")).Group(func(r chi.Router) {
		r.Get("/api/notes", a.handleNotes)
		r.Put("/api/notes/{ref}", a.handleSaveNote)
		r.Delete("/api/notes/{ref}", a.handleDeleteNote)

		r.Get("/api/progress", a.handleProgress)
		r.Put("/api/progress/{ref}", a.handleMarkProgress)

		r.Get("/api/submissions", a.handleSubmissions)
		r.Post("/api/assignments/{ref}/submissions", a.handleSubmit)
		r.Get("/api/assignments/{ref}/submissions", a.handleAssignmentSubmissions)
		r.Post("/api/submissions/{id}/grade", a.handleGrade)

		r.Get("/api/access", a.handleAccess)

		r.Get("/api/students", a.handleStudents)
		r.Get("/api/students/{identity}/notes", a.handleNotes)
		r.Get("/api/students/{identity}/progress", a.handleProgress)
		r.Get("/api/students/{identity}/submissions", a.handleSubmissions)
		r.Get("/api/students/{identity}/access", a.handleAccess)
	})
}
