// Package gateway decides whether a session may read a catalog entry.
//
// Resolve runs a fixed sequence of checks and stops at the first failure:
// session, catalog lookup, role, kind allowlist, request-time path
// re-verification, readability. It never streams bytes; callers open the
// approved path themselves.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/edutoolbox/internal/audit"
	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/httpmw"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/role"
	"github.com/keithlinneman/edutoolbox/internal/session"
)

var ErrInvalidOptions = errors.New("gateway: invalid options")

// Sessions is the part of session.Manager the gateway needs.
type Sessions interface {
	Validate(token string) (session.Principal, error)
}

// Catalog is the part of catalog.Catalog the gateway needs.
type Catalog interface {
	Lookup(id string) (catalog.Entry, error)
	Root() pathutil.Root
}

// AccessRecorder is told about approved resolves. Failures are logged and
// do not change the decision.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, identity, entryID string) error
}

// DecisionObserver counts decisions; *metrics.ServerMetrics satisfies it.
type DecisionObserver interface {
	ObserveDecision(approved bool, reason string)
}

type Options struct {
	Sessions Sessions
	Catalog  Catalog

	// AllowedKinds is the file-type allowlist. Empty means every known kind.
	AllowedKinds []catalog.Kind

	Logger   log.Logger
	Audit    audit.Recorder
	Metrics  DecisionObserver
	Recorder AccessRecorder
}

func (o *Options) validate() error {
	if o.Sessions == nil {
		return fmt.Errorf("%w: Sessions is required", ErrInvalidOptions)
	}
	if o.Catalog == nil {
		return fmt.Errorf("%w: Catalog is required", ErrInvalidOptions)
	}
	return nil
}

// Approved is a vetted, readable file inside the content root.
type Approved struct {
	Principal session.Principal
	Entry     catalog.Entry
	Path      string
	Size      int64
}

type Gateway struct {
	sessions Sessions
	catalog  Catalog
	allowed  map[catalog.Kind]bool
	logger   log.Logger
	audit    audit.Recorder
	metrics  DecisionObserver
	recorder AccessRecorder
}

func New(opts Options) (*Gateway, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	kinds := opts.AllowedKinds
	if len(kinds) == 0 {
		kinds = catalog.AllKinds
	}
	allowed := make(map[catalog.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	g := &Gateway{
		sessions: opts.Sessions,
		catalog:  opts.Catalog,
		allowed:  allowed,
		logger:   log.OrNop(opts.Logger),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
	}
	if g.audit == nil {
		g.audit = audit.Nop()
	}
	return g, nil
}

// Resolve authorizes token to read the entry named id.
func (g *Gateway) Resolve(ctx context.Context, token, id string) (Approved, error) {
	p, err := g.sessions.Validate(token)
	if err != nil {
		return Approved{}, g.denied(ctx, p, deny(Unauthenticated, id, err))
	}

	entry, err := g.catalog.Lookup(id)
	if err != nil {
		return Approved{}, g.denied(ctx, p, deny(NotFound, id, err))
	}

	if !p.Role.Satisfies(entry.MinRole) {
		return Approved{}, g.denied(ctx, p, deny(Forbidden, id,
			fmt.Errorf("role %s does not satisfy %s", p.Role, entry.MinRole)))
	}

	if !g.allowed[entry.Kind] || !entry.Kind.MatchesExt(filepath.Ext(entry.Path)) {
		return Approved{}, g.denied(ctx, p, deny(UnsupportedType, id,
			fmt.Errorf("kind %s with extension %q is not allowed", entry.Kind, filepath.Ext(entry.Path))))
	}

	physical, err := pathutil.Verify(g.catalog.Root(), entry.Path)
	switch {
	case pathutil.IsViolation(err):
		return Approved{}, g.denied(ctx, p, deny(PathViolation, id, err))
	case err != nil:
		return Approved{}, g.denied(ctx, p, deny(Unreadable, id, err))
	}

	size, err := readable(physical)
	if err != nil {
		return Approved{}, g.denied(ctx, p, deny(Unreadable, id, err))
	}

	if g.metrics != nil {
		g.metrics.ObserveDecision(true, "")
	}
	if g.recorder != nil {
		if err := g.recorder.RecordAccess(ctx, p.Identity, entry.ID); err != nil {
			g.logger.Error(ctx, err, "record access failed", "identity", p.Identity, "entry_id", entry.ID)
		}
	}
	return Approved{Principal: p, Entry: entry, Path: physical, Size: size}, nil
}

// Require validates token and checks its role against min. It is the role
// check of Resolve without a catalog entry, used to authorize side channels
// such as teacher review of student records.
func (g *Gateway) Require(ctx context.Context, token string, min role.Role) (session.Principal, error) {
	p, err := g.sessions.Validate(token)
	if err != nil {
		return session.Principal{}, g.denied(ctx, p, deny(Unauthenticated, "", err))
	}
	if !p.Role.Satisfies(min) {
		return session.Principal{}, g.denied(ctx, p, deny(Forbidden, "",
			fmt.Errorf("role %s does not satisfy %s", p.Role, min)))
	}
	return p, nil
}

// RequireOver is Require for reading another identity's records: the caller
// must also hold a higher role than subject, so a teacher reviews students
// but not other teachers. A subject with no known role only needs min.
func (g *Gateway) RequireOver(ctx context.Context, token string, min, subject role.Role) (session.Principal, error) {
	p, err := g.Require(ctx, token, min)
	if err != nil {
		return session.Principal{}, err
	}
	if subject.Valid() && subject.Satisfies(p.Role) {
		return session.Principal{}, g.denied(ctx, p, deny(Forbidden, "",
			fmt.Errorf("role %s may not review a %s", p.Role, subject)))
	}
	return p, nil
}

// readable opens the file to prove it can be read right now.
func readable(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, &fs.PathError{Op: "open", Path: path, Err: errors.New("not a regular file")}
	}
	return info.Size(), nil
}

func (g *Gateway) denied(ctx context.Context, p session.Principal, d *Denial) error {
	if g.metrics != nil {
		g.metrics.ObserveDecision(false, string(d.Reason))
	}

	l := log.FromContextOr(ctx, g.logger)
	kv := []any{"reason", string(d.Reason)}
	if d.EntryID != "" {
		kv = append(kv, "entry_id", d.EntryID)
	}
	if p.Identity != "" {
		kv = append(kv, "identity", p.Identity, "role", p.Role.String())
	}
	if d.Err != nil {
		kv = append(kv, "cause", d.Err.Error())
	}
	l.Warn(ctx, "access denied", kv...)

	if d.Reason == PathViolation {
		g.audit.Record(ctx, audit.Event{
			Kind:      audit.PathViolation,
			RequestID: httpmw.RequestIDFromContext(ctx),
			Identity:  p.Identity,
			EntryID:   d.EntryID,
			Err:       d.Err,
		})
	}
	return d
}
