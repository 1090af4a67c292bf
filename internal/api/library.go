package api

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/gateway"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

// entryView is what clients see of a catalog entry. Physical paths stay
// on the server.
type entryView struct {
	ID          string       `json:"id"`
	Kind        catalog.Kind `json:"kind"`
	MinRole     role.Role    `json:"min_role"`
	Module      string       `json:"module,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url"`
}

type moduleView struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Entries     []entryView `json:"entries"`
}

func viewOf(e catalog.Entry) entryView {
	return entryView{
		ID:          e.ID,
		Kind:        e.Kind,
		MinRole:     e.MinRole,
		Module:      e.Module,
		Title:       e.Title,
		Description: e.Description,
		URL:         "/files/" + e.ID,
	}
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := a.gateway.Require(ctx, token(r), role.Student)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	entries := a.library.ListFor(p.Role)
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"entries": out})
}

func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := a.gateway.Require(ctx, token(r), role.Student)
	if err != nil {
		a.fail(ctx, w, err)
		return
	}
	mods := a.library.Modules(p.Role)
	out := make([]moduleView, 0, len(mods))
	for _, m := range mods {
		mv := moduleView{ID: m.ID, Name: m.Name, Description: m.Description, Entries: make([]entryView, 0, len(m.Entries))}
		for _, e := range m.Entries {
			mv.Entries = append(mv.Entries, viewOf(e))
		}
		out = append(out, mv)
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"modules": out})
}

// handleFile streams an approved entry. The gateway has already re-verified
// containment and readability; a file that disappears or is swapped between
// the check and the open is reported as not found.
func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok, err := a.gateway.Resolve(ctx, token(r), param(r, "id"))
	if err != nil {
		a.fail(ctx, w, err)
		return
	}

	f, fi, err := openApproved(ok)
	if err != nil {
		log.FromContextOr(ctx, a.logger).Warn(ctx, "approved file changed before open", "entry_id", ok.Entry.ID, "error", err)
		a.writeError(ctx, w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	name := filepath.Base(ok.Entry.RelPath)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

var errSwapped = errors.New("file at approved path changed after approval")

// openApproved opens the approved path and checks the descriptor is the
// regular file that sits at the catalog path itself, not something a symlink
// planted after Resolve points at.
func openApproved(ok gateway.Approved) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(ok.Path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	at, err := os.Lstat(ok.Entry.Path)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() || !os.SameFile(fi, at) {
		f.Close()
		return nil, nil, &fs.PathError{Op: "open", Path: ok.Entry.Path, Err: errSwapped}
	}
	return f, fi, nil
}
