// Package role defines the two access levels of the toolbox and the order
// between them.
package role

import (
	"fmt"
	"strings"
)

type Role string

const (
	Student Role = "student"
	Teacher Role = "teacher"
)

// rank orders roles; a higher rank satisfies every lower minimum.
func (r Role) rank() int {
	switch r {
	case Student:
		return 1
	case Teacher:
		return 2
	}
	return 0
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.rank() > 0 }

// Satisfies reports whether a holder of r may access something that requires min.
// Unknown roles satisfy nothing and are satisfied by nothing.
func (r Role) Satisfies(min Role) bool {
	if !r.Valid() || !min.Valid() {
		return false
	}
	return r.rank() >= min.rank()
}

func (r Role) String() string { return string(r) }

// Parse accepts the role names case-insensitively.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q (valid roles are student|teacher)", s)
	}
	return r, nil
}

// UnmarshalText lets roles be decoded directly from YAML and JSON.
func (r *Role) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = p
	return nil
}
