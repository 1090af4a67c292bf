// Package dashboard serves the student and teacher dashboard markup from a
// directory supplied at startup.
//
// "/" is the login page. Anything under /student/ or /teacher/ needs a live
// session whose role satisfies that dashboard; everyone else is sent back to
// "/". Files are read through an os.Root so a symlink inside the directory
// cannot reach outside it.
package dashboard

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/role"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

type Handler struct {
	opts Options
	root *os.Root
	fsys fs.FS
}

// New opens opts.Dir. A directory that cannot be opened is an error; an
// empty Dir is not, and leaves the handler serving the unavailable page.
func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Handler{opts: *opts}
	if opts.Dir != "" {
		root, err := os.OpenRoot(opts.Dir)
		if err != nil {
			return nil, xerrors.Wrapf(err, "open dashboard dir %q", opts.Dir)
		}
		h.root = root
		h.fsys = root.FS()
		if !existsFile(h.fsys, opts.LoginFile) {
			opts.Logger.Warn(context.Background(), "dashboard dir has no login page", "dir", opts.Dir, "file", opts.LoginFile)
		}
	}
	return h, nil
}

// Close releases the dashboard directory.
func (h *Handler) Close() error {
	if h.root == nil {
		return nil
	}
	return h.root.Close()
}

// RegisterRoutes installs the dashboard as the router's fallback. It should
// run after every other registrar so explicit routes win.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.NotFound(h.ServeHTTP)
	r.MethodNotAllowed(h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.fsys == nil {
		w.Header().Set("Cache-Control", "no-store")
		serveFileWithStatus(w, r, http.StatusServiceUnavailable, h.opts.FallbackFS, h.opts.UnavailableFile)
		return
	}

	gated := gateFor(r.URL.Path)
	if gated != "" && !h.allowed(r, gated) {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	file, redirectTo, found := resolvePath(r.URL.Path, h.fsys, h.opts.LoginFile)
	if redirectTo != "" {
		http.Redirect(w, r, redirectTo, http.StatusPermanentRedirect)
		return
	}
	if !found {
		h.serveNotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", h.cacheControl(file, gated != ""))
	http.ServeFileFS(w, r, h.fsys, file)
}

func (h *Handler) allowed(r *http.Request, need role.Role) bool {
	c, err := r.Cookie(h.opts.CookieName)
	if err != nil || c.Value == "" {
		return false
	}
	s, err := h.opts.Sessions.Lookup(c.Value)
	if err != nil {
		return false
	}
	if !s.Role.Satisfies(need) {
		log.FromContextOr(r.Context(), h.opts.Logger).Info(r.Context(), "dashboard role redirect",
			"identity", s.Identity,
			"role", s.Role,
			"dashboard", need,
		)
		return false
	}
	return true
}

// cacheControl keeps pages and anything behind a session out of shared
// caches. Public static assets may be cached briefly.
func (h *Handler) cacheControl(name string, gated bool) string {
	if gated {
		return "private, no-store"
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".css", ".js", ".mjs", ".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".ico", ".woff", ".woff2", ".ttf", ".map":
		return h.opts.AssetCacheControl
	}
	return "no-cache"
}

func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if existsFile(h.fsys, h.opts.NotFoundFile) {
		serveFileWithStatus(w, r, http.StatusNotFound, h.fsys, h.opts.NotFoundFile)
		return
	}
	if existsFile(h.opts.FallbackFS, h.opts.NotFoundFile) {
		serveFileWithStatus(w, r, http.StatusNotFound, h.opts.FallbackFS, h.opts.NotFoundFile)
		return
	}
	http.Error(w, "404 page not found", http.StatusNotFound)
}

// statusOverrideWriter replaces the status of the first WriteHeader call, so
// http.ServeFileFS can serve an error page with a non-200 status.
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func serveFileWithStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	// ServeFileFS would answer a conditional request with 304
	r.Header.Del("If-Modified-Since")
	r.Header.Del("If-None-Match")
	http.ServeFileFS(&statusOverrideWriter{ResponseWriter: w, status: status}, r, fsys, name)
}
