package dashboard

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/session"
)

var ErrInvalidOptions = errors.New("invalid dashboard options")

// Sessions is satisfied by *session.Manager.
type Sessions interface {
	Lookup(token string) (session.Session, error)
}

type Options struct {
	Logger log.Logger

	// Dir is the dashboard markup directory. Empty serves the unavailable
	// page for every request.
	Dir string

	Sessions Sessions

	// CookieName carries the session token set at login.
	CookieName string

	// FallbackFS supplies unavailable.html and, optionally, 404.html.
	FallbackFS fs.FS

	LoginFile       string // default: "index.html"
	UnavailableFile string // default: "unavailable.html"
	NotFoundFile    string // default: "404.html", looked up in Dir then FallbackFS

	AssetCacheControl string // default: "public, max-age=3600"
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.LoginFile == "" {
		o.LoginFile = "index.html"
	}
	if o.UnavailableFile == "" {
		o.UnavailableFile = "unavailable.html"
	}
	if o.NotFoundFile == "" {
		o.NotFoundFile = "404.html"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=3600"
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Sessions == nil {
		errs = append(errs, fmt.Errorf("%w: Sessions is nil", ErrInvalidOptions))
	}
	if o.CookieName == "" {
		errs = append(errs, fmt.Errorf("%w: CookieName is empty", ErrInvalidOptions))
	}
	if o.FallbackFS == nil {
		errs = append(errs, fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions))
	} else if _, err := fs.Stat(o.FallbackFS, o.UnavailableFile); err != nil {
		errs = append(errs, fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, o.UnavailableFile, err))
	}
	return errors.Join(errs...)
}
