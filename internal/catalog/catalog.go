// Package catalog is the load-once table of servable library files. Every
// entry is resolved and checked against the content root while loading; a
// catalog that fails any check is never returned.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

var (
	// ErrNotFound is returned by Lookup for ids that are not in the catalog.
	ErrNotFound = errors.New("catalog entry not found")

	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("catalog configuration error")
)

// ConfigError rejects a catalog at load time. It is fatal to startup.
type ConfigError struct {
	Entry string // entry id, or "" for file level problems
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Entry == "" {
		return "catalog: " + e.Err.Error()
	}
	return fmt.Sprintf("catalog entry %q: %v", e.Entry, e.Err)
}

func (e *ConfigError) Unwrap() error        { return e.Err }
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Entry is one servable file. Path is absolute, symlink-free and under the
// content root. Entries are values and never change after load.
type Entry struct {
	ID          string
	Path        string
	RelPath     string
	Kind        Kind
	MinRole     role.Role
	Module      string
	Title       string
	Description string
}

// Module groups entries for the library view.
type Module struct {
	ID          string
	Name        string
	Description string
	Entries     []Entry
}

type Catalog struct {
	root    pathutil.Root
	byID    map[string]Entry
	sorted  []Entry
	modules []moduleDef
}

type moduleDef struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type entryDef struct {
	ID          string `yaml:"id"`
	Path        string `yaml:"path"`
	Kind        string `yaml:"kind"`
	MinRole     string `yaml:"min_role"`
	Module      string `yaml:"module"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

type fileDef struct {
	Modules []moduleDef `yaml:"modules"`
	Entries []entryDef  `yaml:"entries"`
}

// LoadFile reads a YAML catalog from disk. See Parse.
func LoadFile(name string, root pathutil.Root) (*Catalog, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("read %s: %w", name, err)}
	}
	return Parse(data, root)
}

// Parse builds a catalog from YAML. All entry problems are reported together
// as *ConfigError values joined with errors.Join.
func Parse(data []byte, root pathutil.Root) (*Catalog, error) {
	var def fileDef
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode: %w", err)}
	}
	if root.Resolved == "" {
		return nil, &ConfigError{Err: errors.New("content root is not set")}
	}

	c := &Catalog{
		root:    root,
		byID:    make(map[string]Entry, len(def.Entries)),
		modules: def.Modules,
	}

	var errs []error
	known := make(map[string]bool, len(def.Modules))
	for _, m := range def.Modules {
		if m.ID == "" {
			errs = append(errs, &ConfigError{Err: errors.New("module with empty id")})
			continue
		}
		if known[m.ID] {
			errs = append(errs, &ConfigError{Err: fmt.Errorf("duplicate module %q", m.ID)})
		}
		known[m.ID] = true
	}

	for i, d := range def.Entries {
		e, err := buildEntry(d, root, known)
		if err != nil {
			id := d.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			errs = append(errs, &ConfigError{Entry: id, Err: err})
			continue
		}
		if _, dup := c.byID[e.ID]; dup {
			errs = append(errs, &ConfigError{Entry: e.ID, Err: errors.New("duplicate id")})
			continue
		}
		c.byID[e.ID] = e
		c.sorted = append(c.sorted, e)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(c.sorted, func(i, j int) bool { return c.sorted[i].ID < c.sorted[j].ID })
	return c, nil
}

func buildEntry(d entryDef, root pathutil.Root, modules map[string]bool) (Entry, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return Entry{}, errors.New("empty id")
	}
	if id != d.ID || strings.ContainsAny(id, "/\\") {
		return Entry{}, fmt.Errorf("id %q must not contain slashes or surrounding space", d.ID)
	}
	kind, err := ParseKind(d.Kind)
	if err != nil {
		return Entry{}, err
	}
	min, err := role.Parse(d.MinRole)
	if err != nil {
		return Entry{}, err
	}
	if d.Module != "" && len(modules) > 0 && !modules[d.Module] {
		return Entry{}, fmt.Errorf("unknown module %q", d.Module)
	}

	physical, err := pathutil.ResolveWithin(root, d.Path)
	if err != nil {
		return Entry{}, err
	}
	if !kind.MatchesExt(filepath.Ext(physical)) {
		return Entry{}, fmt.Errorf("extension of %q does not match kind %s", d.Path, kind)
	}
	info, err := os.Stat(physical)
	if err != nil {
		return Entry{}, err
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%q is not a regular file", d.Path)
	}

	title := d.Title
	if title == "" {
		title = id
	}
	return Entry{
		ID:          id,
		Path:        physical,
		RelPath:     d.Path,
		Kind:        kind,
		MinRole:     min,
		Module:      d.Module,
		Title:       title,
		Description: d.Description,
	}, nil
}

// Root is the content root the catalog was resolved against.
func (c *Catalog) Root() pathutil.Root { return c.root }

// Len is the number of entries.
func (c *Catalog) Len() int { return len(c.sorted) }

// Lookup returns the entry for id or ErrNotFound.
func (c *Catalog) Lookup(id string) (Entry, error) {
	e, ok := c.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// ListFor returns the entries r may resolve, ordered by id.
func (c *Catalog) ListFor(r role.Role) []Entry {
	out := make([]Entry, 0, len(c.sorted))
	for _, e := range c.sorted {
		if r.Satisfies(e.MinRole) {
			out = append(out, e)
		}
	}
	return out
}

// Modules groups the entries visible to r by module, in declaration order.
// Entries without a module, or naming one that was not declared, land in a
// trailing module with an empty id. Modules with no visible entries are left out.
func (c *Catalog) Modules(r role.Role) []Module {
	visible := c.ListFor(r)
	byModule := make(map[string][]Entry)
	for _, e := range visible {
		byModule[e.Module] = append(byModule[e.Module], e)
	}

	out := make([]Module, 0, len(c.modules)+1)
	for _, m := range c.modules {
		entries := byModule[m.ID]
		delete(byModule, m.ID)
		if len(entries) == 0 {
			continue
		}
		out = append(out, Module{ID: m.ID, Name: m.Name, Description: m.Description, Entries: entries})
	}

	var rest []Entry
	for _, e := range visible {
		if _, ok := byModule[e.Module]; ok {
			rest = append(rest, e)
		}
	}
	if len(rest) > 0 {
		out = append(out, Module{Name: "Other", Entries: rest})
	}
	return out
}
