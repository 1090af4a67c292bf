package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

type Note struct {
	Identity  string    `json:"identity"`
	RefID     string    `json:"ref_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Progress struct {
	Identity  string    `json:"identity"`
	RefID     string    `json:"ref_id"`
	Marker    string    `json:"marker"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Grade struct {
	SubmissionID string    `json:"submission_id"`
	Grader       string    `json:"grader"`
	Score        int       `json:"score"`
	Feedback     string    `json:"feedback,omitempty"`
	GradedAt     time.Time `json:"graded_at"`
}

type Submission struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	RefID       string    `json:"ref_id"`
	Payload     string    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
	Grade       *Grade    `json:"grade,omitempty"`
}

type AccessEvent struct {
	Identity string    `json:"identity"`
	EntryID  string    `json:"entry_id"`
	At       time.Time `json:"at"`
}

// Filter selects submissions by exactly one of Identity or RefID.
type Filter struct {
	Identity string
	RefID    string
}

// UpsertNote creates or replaces identity's note on refID.
func (s *Store) UpsertNote(ctx context.Context, identity, refID, text string) (Note, error) {
	if err := checkKey("identity", identity, MaxRefIDLen); err != nil {
		return Note{}, err
	}
	if err := checkKey("ref id", refID, MaxRefIDLen); err != nil {
		return Note{}, err
	}
	if err := checkLen("note", text, MaxNoteLen); err != nil {
		return Note{}, err
	}

	var n Note
	err := s.write(ctx, "upsert_note", identity, func() error {
		now := s.now().UnixNano()
		var created int64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO notes (identity, ref_id, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (identity, ref_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
			RETURNING created_at`,
			identity, refID, text, now, now).Scan(&created)
		if err != nil {
			return xerrors.Wrap(err, "upsert note")
		}
		n = Note{Identity: identity, RefID: refID, Text: text, CreatedAt: toTime(created), UpdatedAt: toTime(now)}
		return nil
	})
	return n, err
}

// ListNotes returns identity's notes, most recently updated first.
func (s *Store) ListNotes(ctx context.Context, identity string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, ref_id, body, created_at, updated_at FROM notes
		WHERE identity = ? ORDER BY updated_at DESC, ref_id`, identity)
	if err != nil {
		return nil, xerrors.Wrap(err, "list notes")
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		var n Note
		var created, updated int64
		if err := rows.Scan(&n.Identity, &n.RefID, &n.Text, &created, &updated); err != nil {
			return nil, xerrors.Wrap(err, "scan note")
		}
		n.CreatedAt, n.UpdatedAt = toTime(created), toTime(updated)
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNote removes identity's note on refID, or returns ErrNotFound.
func (s *Store) DeleteNote(ctx context.Context, identity, refID string) error {
	return s.write(ctx, "delete_note", identity, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE identity = ? AND ref_id = ?`, identity, refID)
		if err != nil {
			return xerrors.Wrap(err, "delete note")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordProgress sets identity's marker on refID. Recording the same marker
// again only moves UpdatedAt.
func (s *Store) RecordProgress(ctx context.Context, identity, refID, marker string) (Progress, error) {
	if err := checkKey("identity", identity, MaxRefIDLen); err != nil {
		return Progress{}, err
	}
	if err := checkKey("ref id", refID, MaxRefIDLen); err != nil {
		return Progress{}, err
	}
	if err := checkKey("marker", marker, MaxMarkerLen); err != nil {
		return Progress{}, err
	}

	var p Progress
	err := s.write(ctx, "record_progress", identity, func() error {
		now := s.now().UnixNano()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO progress (identity, ref_id, marker, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (identity, ref_id) DO UPDATE SET marker = excluded.marker, updated_at = excluded.updated_at`,
			identity, refID, marker, now)
		if err != nil {
			return xerrors.Wrap(err, "record progress")
		}
		p = Progress{Identity: identity, RefID: refID, Marker: marker, UpdatedAt: toTime(now)}
		return nil
	})
	return p, err
}

func (s *Store) ListProgress(ctx context.Context, identity string) ([]Progress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, ref_id, marker, updated_at FROM progress
		WHERE identity = ? ORDER BY updated_at DESC, ref_id`, identity)
	if err != nil {
		return nil, xerrors.Wrap(err, "list progress")
	}
	defer rows.Close()

	out := []Progress{}
	for rows.Next() {
		var p Progress
		var updated int64
		if err := rows.Scan(&p.Identity, &p.RefID, &p.Marker, &updated); err != nil {
			return nil, xerrors.Wrap(err, "scan progress")
		}
		p.UpdatedAt = toTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SubmitAssignment appends a submission. Earlier submissions for the same
// assignment are kept.
func (s *Store) SubmitAssignment(ctx context.Context, identity, refID, payload string) (Submission, error) {
	if err := checkKey("identity", identity, MaxRefIDLen); err != nil {
		return Submission{}, err
	}
	if err := checkKey("ref id", refID, MaxRefIDLen); err != nil {
		return Submission{}, err
	}
	if err := checkLen("payload", payload, MaxPayloadLen); err != nil {
		return Submission{}, err
	}

	var sub Submission
	err := s.write(ctx, "submit_assignment", identity, func() error {
		id := uuid.NewString()
		now := s.now().UnixNano()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO submissions (id, identity, ref_id, payload, submitted_at) VALUES (?, ?, ?, ?, ?)`,
			id, identity, refID, payload, now)
		if err != nil {
			return xerrors.Wrap(err, "insert submission")
		}
		sub = Submission{ID: id, Identity: identity, RefID: refID, Payload: payload, SubmittedAt: toTime(now)}
		return nil
	})
	return sub, err
}

const submissionCols = `
	SELECT s.id, s.identity, s.ref_id, s.payload, s.submitted_at,
	       g.grader, g.score, g.feedback, g.graded_at
	FROM submissions s LEFT JOIN grades g ON g.submission_id = s.id`

// ListSubmissions returns matching submissions, newest first, with grades.
func (s *Store) ListSubmissions(ctx context.Context, f Filter) ([]Submission, error) {
	var (
		where string
		arg   string
	)
	switch {
	case f.Identity != "" && f.RefID == "":
		where, arg = "s.identity = ?", f.Identity
	case f.RefID != "" && f.Identity == "":
		where, arg = "s.ref_id = ?", f.RefID
	default:
		return nil, fmt.Errorf("%w: filter needs exactly one of identity or ref id", ErrInvalid)
	}

	rows, err := s.db.QueryContext(ctx, submissionCols+" WHERE "+where+" ORDER BY s.submitted_at DESC, s.id", arg)
	if err != nil {
		return nil, xerrors.Wrap(err, "list submissions")
	}
	defer rows.Close()

	out := []Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubmission returns one submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, submissionCols+" WHERE s.id = ?", id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(sc scanner) (Submission, error) {
	var (
		sub       Submission
		submitted int64
		grader    sql.NullString
		score     sql.NullInt64
		feedback  sql.NullString
		graded    sql.NullInt64
	)
	err := sc.Scan(&sub.ID, &sub.Identity, &sub.RefID, &sub.Payload, &submitted, &grader, &score, &feedback, &graded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, err
		}
		return Submission{}, xerrors.Wrap(err, "scan submission")
	}
	sub.SubmittedAt = toTime(submitted)
	if grader.Valid {
		sub.Grade = &Grade{
			SubmissionID: sub.ID,
			Grader:       grader.String,
			Score:        int(score.Int64),
			Feedback:     feedback.String,
			GradedAt:     toTime(graded.Int64),
		}
	}
	return sub, nil
}

// GradeSubmission records grader's grade, replacing any earlier grade. The
// submission itself is never modified. Grades are serialized under the
// student's identity so they order with that student's own writes.
func (s *Store) GradeSubmission(ctx context.Context, grader, submissionID string, score int, feedback string) (Grade, error) {
	if err := checkKey("grader", grader, MaxRefIDLen); err != nil {
		return Grade{}, err
	}
	if score < 0 || score > 100 {
		return Grade{}, fmt.Errorf("%w: score %d outside 0..100", ErrInvalid, score)
	}
	if err := checkLen("feedback", feedback, MaxFeedback); err != nil {
		return Grade{}, err
	}

	sub, err := s.GetSubmission(ctx, submissionID)
	if err != nil {
		return Grade{}, err
	}

	var g Grade
	err = s.write(ctx, "grade_submission", sub.Identity, func() error {
		now := s.now().UnixNano()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO grades (submission_id, grader, score, feedback, graded_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (submission_id) DO UPDATE SET
				grader = excluded.grader, score = excluded.score,
				feedback = excluded.feedback, graded_at = excluded.graded_at`,
			submissionID, grader, score, feedback, now)
		if err != nil {
			return xerrors.Wrap(err, "grade submission")
		}
		g = Grade{SubmissionID: submissionID, Grader: grader, Score: score, Feedback: feedback, GradedAt: toTime(now)}
		return nil
	})
	return g, err
}

// RecordAccess appends an access event for an approved file resolve.
func (s *Store) RecordAccess(ctx context.Context, identity, entryID string) error {
	if err := checkKey("identity", identity, MaxRefIDLen); err != nil {
		return err
	}
	return s.write(ctx, "record_access", identity, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO access_events (identity, entry_id, at) VALUES (?, ?, ?)`,
			identity, entryID, s.now().UnixNano())
		return xerrors.Wrap(err, "record access")
	})
}

// ListAccess returns up to limit of identity's access events, newest first.
// limit <= 0 means 100.
func (s *Store) ListAccess(ctx context.Context, identity string, limit int) ([]AccessEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, entry_id, at FROM access_events
		WHERE identity = ? ORDER BY at DESC, id DESC LIMIT ?`, identity, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "list access")
	}
	defer rows.Close()

	out := []AccessEvent{}
	for rows.Next() {
		var ev AccessEvent
		var at int64
		if err := rows.Scan(&ev.Identity, &ev.EntryID, &at); err != nil {
			return nil, xerrors.Wrap(err, "scan access event")
		}
		ev.At = toTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Identities lists every identity with at least one stored record, sorted.
func (s *Store) Identities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity FROM notes
		UNION SELECT identity FROM progress
		UNION SELECT identity FROM submissions
		UNION SELECT identity FROM access_events
		ORDER BY identity`)
	if err != nil {
		return nil, xerrors.Wrap(err, "list identities")
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(err, "scan identity")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
