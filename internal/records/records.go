// Package records authorizes access to per-identity side state.
//
// Writes always land under the caller's own session identity. Reading
// someone else's records, listing all submissions for an assignment, and
// grading all go through the gateway's role check with Teacher as the bar.
// A teacher reading another identity's records must also outrank them, so
// teachers cannot read each other's.
package records

import (
	"context"
	"strings"

	"github.com/keithlinneman/edutoolbox/internal/role"
	"github.com/keithlinneman/edutoolbox/internal/session"
	"github.com/keithlinneman/edutoolbox/internal/store"
)

// Authorizer is satisfied by *gateway.Gateway.
type Authorizer interface {
	Require(ctx context.Context, token string, min role.Role) (session.Principal, error)
	RequireOver(ctx context.Context, token string, min, subject role.Role) (session.Principal, error)
}

// Directory knows which role an identity holds. *identity.Registry
// satisfies it.
type Directory interface {
	RoleOf(identity string) (role.Role, bool)
}

// Store is the subset of *store.Store this package drives.
type Store interface {
	UpsertNote(ctx context.Context, identity, refID, text string) (store.Note, error)
	ListNotes(ctx context.Context, identity string) ([]store.Note, error)
	DeleteNote(ctx context.Context, identity, refID string) error
	RecordProgress(ctx context.Context, identity, refID, marker string) (store.Progress, error)
	ListProgress(ctx context.Context, identity string) ([]store.Progress, error)
	SubmitAssignment(ctx context.Context, identity, refID, payload string) (store.Submission, error)
	ListSubmissions(ctx context.Context, f store.Filter) ([]store.Submission, error)
	GradeSubmission(ctx context.Context, grader, submissionID string, score int, feedback string) (store.Grade, error)
	ListAccess(ctx context.Context, identity string, limit int) ([]store.AccessEvent, error)
	Identities(ctx context.Context) ([]string, error)
}

type Service struct {
	auth  Authorizer
	store Store
	dir   Directory
}

// New builds the service. dir may be nil, in which case any teacher may read
// any identity's records.
func New(auth Authorizer, st Store, dir Directory) *Service {
	return &Service{auth: auth, store: st, dir: dir}
}

// reader authorizes a read of subject's records. An empty subject, or the
// caller's own identity, needs any session; anyone else needs Teacher and a
// role above the subject's.
func (s *Service) reader(ctx context.Context, token, subject string) (string, error) {
	p, err := s.auth.Require(ctx, token, role.Student)
	if err != nil {
		return "", err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" || subject == p.Identity {
		return p.Identity, nil
	}
	var subjectRole role.Role
	if s.dir != nil {
		subjectRole, _ = s.dir.RoleOf(subject)
	}
	if _, err := s.auth.RequireOver(ctx, token, role.Teacher, subjectRole); err != nil {
		return "", err
	}
	return subject, nil
}

func (s *Service) writer(ctx context.Context, token string) (session.Principal, error) {
	return s.auth.Require(ctx, token, role.Student)
}

func (s *Service) SaveNote(ctx context.Context, token, refID, text string) (store.Note, error) {
	p, err := s.writer(ctx, token)
	if err != nil {
		return store.Note{}, err
	}
	return s.store.UpsertNote(ctx, p.Identity, refID, text)
}

func (s *Service) DeleteNote(ctx context.Context, token, refID string) error {
	p, err := s.writer(ctx, token)
	if err != nil {
		return err
	}
	return s.store.DeleteNote(ctx, p.Identity, refID)
}

// Notes lists subject's notes; subject "" means the caller.
func (s *Service) Notes(ctx context.Context, token, subject string) ([]store.Note, error) {
	id, err := s.reader(ctx, token, subject)
	if err != nil {
		return nil, err
	}
	return s.store.ListNotes(ctx, id)
}

func (s *Service) MarkProgress(ctx context.Context, token, refID, marker string) (store.Progress, error) {
	p, err := s.writer(ctx, token)
	if err != nil {
		return store.Progress{}, err
	}
	return s.store.RecordProgress(ctx, p.Identity, refID, marker)
}

func (s *Service) Progress(ctx context.Context, token, subject string) ([]store.Progress, error) {
	id, err := s.reader(ctx, token, subject)
	if err != nil {
		return nil, err
	}
	return s.store.ListProgress(ctx, id)
}

func (s *Service) Submit(ctx context.Context, token, refID, payload string) (store.Submission, error) {
	p, err := s.writer(ctx, token)
	if err != nil {
		return store.Submission{}, err
	}
	return s.store.SubmitAssignment(ctx, p.Identity, refID, payload)
}

// Submissions lists subject's submissions; subject "" means the caller.
func (s *Service) Submissions(ctx context.Context, token, subject string) ([]store.Submission, error) {
	id, err := s.reader(ctx, token, subject)
	if err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, store.Filter{Identity: id})
}

// AssignmentSubmissions lists every identity's submissions for refID.
func (s *Service) AssignmentSubmissions(ctx context.Context, token, refID string) ([]store.Submission, error) {
	if _, err := s.auth.Require(ctx, token, role.Teacher); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, store.Filter{RefID: refID})
}

func (s *Service) Grade(ctx context.Context, token, submissionID string, score int, feedback string) (store.Grade, error) {
	p, err := s.auth.Require(ctx, token, role.Teacher)
	if err != nil {
		return store.Grade{}, err
	}
	return s.store.GradeSubmission(ctx, p.Identity, submissionID, score, feedback)
}

func (s *Service) Access(ctx context.Context, token, subject string, limit int) ([]store.AccessEvent, error) {
	id, err := s.reader(ctx, token, subject)
	if err != nil {
		return nil, err
	}
	return s.store.ListAccess(ctx, id, limit)
}

// Identities lists everyone with stored records.
func (s *Service) Identities(ctx context.Context, token string) ([]string, error) {
	if _, err := s.auth.Require(ctx, token, role.Teacher); err != nil {
		return nil, err
	}
	return s.store.Identities(ctx)
}
