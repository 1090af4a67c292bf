// Package identity answers "is this credential valid, and what role does it
// carry". The gateway only ever sees the resulting role.
package identity

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/edutoolbox/internal/role"
)

var (
	// ErrRejected is the only failure a caller learns about. Unknown
	// identity, wrong password, wrong key and expiry all look the same.
	ErrRejected = errors.New("identity: credentials rejected")

	ErrConfig = errors.New("identity: invalid accounts file")
)

type Verifier interface {
	Verify(ctx context.Context, identity, credential, activationKey string) (role.Role, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, identity, credential, activationKey string) (role.Role, error)

func (f VerifierFunc) Verify(ctx context.Context, identity, credential, activationKey string) (role.Role, error) {
	return f(ctx, identity, credential, activationKey)
}

type account struct {
	identity string
	role     role.Role
	hash     []byte
	key      string
	expires  time.Time
	disabled bool
}

type accountDef struct {
	Identity      string `yaml:"identity"`
	Role          string `yaml:"role"`
	PasswordHash  string `yaml:"password_hash"`
	ActivationKey string `yaml:"activation_key"`
	Expires       string `yaml:"expires"`
	Disabled      bool   `yaml:"disabled"`
}

type fileDef struct {
	Accounts []accountDef `yaml:"accounts"`
}

// Registry verifies against a static accounts file with bcrypt password
// hashes and per-account activation keys.
type Registry struct {
	accounts map[string]account
	now      func() time.Time
	dummy    []byte
}

// LoadRegistry reads a YAML accounts file.
func LoadRegistry(name string) (*Registry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, name, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var def fileDef
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	accounts := make(map[string]account, len(def.Accounts))
	var errs []error
	for i, d := range def.Accounts {
		a, err := buildAccount(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: account #%d (%q): %v", ErrConfig, i, d.Identity, err))
			continue
		}
		if _, dup := accounts[a.identity]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate identity %q", ErrConfig, a.identity))
			continue
		}
		accounts[a.identity] = a
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// compared against when the identity is unknown so timing does not reveal it
	dummy, err := bcrypt.GenerateFromPassword([]byte("edutoolbox-dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Registry{accounts: accounts, now: time.Now, dummy: dummy}, nil
}

func buildAccount(d accountDef) (account, error) {
	id := NormalizeIdentity(d.Identity)
	if id == "" {
		return account{}, errors.New("empty identity")
	}
	r, err := role.Parse(d.Role)
	if err != nil {
		return account{}, err
	}
	if _, err := bcrypt.Cost([]byte(d.PasswordHash)); err != nil {
		return account{}, fmt.Errorf("password_hash: %v", err)
	}
	a := account{
		identity: id,
		role:     r,
		hash:     []byte(d.PasswordHash),
		key:      NormalizeKey(d.ActivationKey),
		disabled: d.Disabled,
	}
	if d.Expires != "" {
		t, err := time.Parse(time.DateOnly, d.Expires)
		if err != nil {
			return account{}, fmt.Errorf("expires: %v", err)
		}
		// valid through the end of that day
		a.expires = t.Add(24 * time.Hour)
	}
	return a, nil
}

// NormalizeIdentity lower-cases and trims.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeKey drops spaces and dashes and upper-cases, so "a1b2-c3d4" and
// "A1B2 C3D4" are the same key.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(s)))
}

// Len is the number of accounts.
func (r *Registry) Len() int { return len(r.accounts) }

// RoleOf reports the role an account holds, disabled or not, so records
// written before an account was switched off keep their owner's rank.
func (r *Registry) RoleOf(identity string) (role.Role, bool) {
	a, ok := r.accounts[NormalizeIdentity(identity)]
	return a.role, ok
}

func (r *Registry) Verify(ctx context.Context, identity, credential, activationKey string) (role.Role, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a, ok := r.accounts[NormalizeIdentity(identity)]

	if !ok {
		_ = bcrypt.CompareHashAndPassword(r.dummy, []byte(credential))
		return "", ErrRejected
	}
	pwErr := bcrypt.CompareHashAndPassword(a.hash, []byte(credential))
	keyOK := a.key == "" || subtle.ConstantTimeCompare([]byte(a.key), []byte(NormalizeKey(activationKey))) == 1

	switch {
	case pwErr != nil, !keyOK, a.disabled:
		return "", ErrRejected
	case !a.expires.IsZero() && !r.now().Before(a.expires):
		return "", ErrRejected
	}
	return a.role, nil
}

// HashPassword returns a bcrypt hash suitable for the accounts file.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
