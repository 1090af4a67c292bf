package api

import (
	"net/http"
	"strconv"
)

type noteRequest struct {
	Text string `json:"text" validate:"max=65536"`
}

type progressRequest struct {
	Marker string `json:"marker" validate:"required,max=256"`
}

type submissionRequest struct {
	Payload string `json:"payload" validate:"required"`
}

type gradeRequest struct {
	Score    *int   `json:"score" validate:"required,min=0,max=100"`
	Feedback string `json:"feedback" validate:"max=16384"`
}

// subject is the identity path parameter on /api/students/{identity}/...
// and empty on the caller's own routes.
func subject(r *http.Request) string { return param(r, "identity") }

func (a *API) handleNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	notes, err := a.records.Notes(ctx, token(r), subject(r))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"notes": notes})
}

func (a *API) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req noteRequest
	if !a.decode(w, r, &req) {
		return
	}
	n, err := a.records.SaveNote(ctx, token(r), param(r, "ref"), req.Text)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, n)
}

func (a *API) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := a.records.DeleteNote(ctx, token(r), param(r, "ref")); err != nil {
		a.fail(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps, err := a.records.Progress(ctx, token(r), subject(r))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"progress": ps})
}

func (a *API) handleMarkProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req progressRequest
	if !a.decode(w, r, &req) {
		return
	}
	p, err := a.records.MarkProgress(ctx, token(r), param(r, "ref"), req.Marker)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, p)
}

func (a *API) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subs, err := a.records.Submissions(ctx, token(r), subject(r))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"submissions": subs})
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submissionRequest
	if !a.decode(w, r, &req) {
		return
	}
	s, err := a.records.Submit(ctx, token(r), param(r, "ref"), req.Payload)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusCreated, s)
}

func (a *API) handleAssignmentSubmissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subs, err := a.records.AssignmentSubmissions(ctx, token(r), param(r, "ref"))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"submissions": subs})
}

func (a *API) handleGrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req gradeRequest
	if !a.decode(w, r, &req) {
		return
	}
	g, err := a.records.Grade(ctx, token(r), param(r, "id"), *req.Score, req.Feedback)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, g)
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			a.writeError(ctx, w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := a.records.Access(ctx, token(r), subject(r), limit)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"access": events})
}

func (a *API) handleStudents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := a.records.Identities(ctx, token(r))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"identities": ids})
}
