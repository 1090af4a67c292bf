package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the internal denial code. It is logged and counted but never
// sent to the client as-is.
type Reason string

const (
	Unauthenticated Reason = "unauthenticated"
	NotFound        Reason = "not_found"
	Forbidden       Reason = "forbidden"
	UnsupportedType Reason = "unsupported_type"
	PathViolation   Reason = "path_violation"
	Unreadable      Reason = "unreadable"
)

// Denial is the error every failed Resolve or Require returns.
type Denial struct {
	Reason  Reason
	EntryID string
	Err     error
}

func (d *Denial) Error() string {
	msg := "gateway: " + string(d.Reason)
	if d.EntryID != "" {
		msg += fmt.Sprintf(" (entry %q)", d.EntryID)
	}
	if d.Err != nil {
		msg += ": " + d.Err.Error()
	}
	return msg
}

func (d *Denial) Unwrap() error { return d.Err }

// PublicError is what a client is allowed to learn about a denial.
type PublicError struct {
	Status  int
	Message string
}

// Public collapses reasons so a probing client cannot tell a forbidden
// entry from a missing one, or learn anything about the file layout.
func (d *Denial) Public() PublicError {
	switch d.Reason {
	case Unauthenticated:
		return PublicError{Status: http.StatusUnauthorized, Message: "authentication required"}
	case NotFound, Forbidden:
		return PublicError{Status: http.StatusNotFound, Message: "not found"}
	default:
		return PublicError{Status: http.StatusForbidden, Message: "access denied"}
	}
}

// ReasonOf extracts the denial reason from err.
func ReasonOf(err error) (Reason, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

func deny(r Reason, entryID string, err error) *Denial {
	return &Denial{Reason: r, EntryID: entryID, Err: err}
}
