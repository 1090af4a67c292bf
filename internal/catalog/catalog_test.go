package catalog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

// newLibrary creates a content root holding the given relative files.
func newLibrary(t *testing.T, files ...string) pathutil.Root {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	root, err := pathutil.ResolveRoot(dir)
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	return root
}

const sampleYAML = `
modules:
  - id: line_balancing
    name: Line Balancing
    description: Production line optimization
  - id: mrp
    name: Material Requirements Planning
entries:
  - id: mod1
    path: models/mod1.witness
    kind: simulation_model
    min_role: student
    module: line_balancing
    title: Line balancing model
  - id: grades
    path: teacher/grades.xlsx
    kind: spreadsheet
    min_role: teacher
    module: mrp
  - id: guide
    path: guides/User_Guide.pptx
    kind: presentation
    min_role: student
    module: line_balancing
  - id: readme
    path: README.md
    kind: document
    min_role: student
`

func sampleCatalog(t *testing.T) *Catalog {
	t.Helper()
	root := newLibrary(t, "models/mod1.witness", "teacher/grades.xlsx", "guides/User_Guide.pptx", "README.md")
	c, err := Parse([]byte(sampleYAML), root)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return c
}

func TestParse_ResolvesUnderRoot(t *testing.T) {
	c := sampleCatalog(t)
	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4", c.Len())
	}

	e, err := c.Lookup("mod1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := filepath.Join(c.Root().Resolved, "models", "mod1.witness")
	if e.Path != want {
		t.Fatalf("Path = %q, want %q", e.Path, want)
	}
	if e.Kind != SimulationModel || e.MinRole != role.Student {
		t.Fatalf("entry = %+v", e)
	}
	if e.Title != "Line balancing model" {
		t.Fatalf("Title = %q", e.Title)
	}

	for _, e := range c.ListFor(role.Teacher) {
		if !pathutil.Within(c.Root().Resolved, e.Path) {
			t.Fatalf("entry %s path %q escapes root", e.ID, e.Path)
		}
	}
}

func TestParse_TitleDefaultsToID(t *testing.T) {
	c := sampleCatalog(t)
	e, _ := c.Lookup("readme")
	if e.Title != "readme" {
		t.Fatalf("Title = %q, want id", e.Title)
	}
}

func TestLookup_NotFound(t *testing.T) {
	c := sampleCatalog(t)
	if _, err := c.Lookup("roster"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFor(t *testing.T) {
	c := sampleCatalog(t)

	ids := func(es []Entry) string {
		var s []string
		for _, e := range es {
			s = append(s, e.ID)
		}
		return strings.Join(s, ",")
	}

	if got := ids(c.ListFor(role.Student)); got != "guide,mod1,readme" {
		t.Fatalf("student = %s", got)
	}
	if got := ids(c.ListFor(role.Teacher)); got != "grades,guide,mod1,readme" {
		t.Fatalf("teacher = %s", got)
	}
	if got := c.ListFor(role.Role("guest")); len(got) != 0 {
		t.Fatalf("unknown role sees %d entries", len(got))
	}
}

func TestModules(t *testing.T) {
	c := sampleCatalog(t)

	student := c.Modules(role.Student)
	if len(student) != 2 {
		t.Fatalf("student modules = %+v", student)
	}
	if student[0].ID != "line_balancing" || len(student[0].Entries) != 2 {
		t.Fatalf("first module = %+v", student[0])
	}
	if student[1].ID != "" || student[1].Entries[0].ID != "readme" {
		t.Fatalf("trailing module = %+v", student[1])
	}

	teacher := c.Modules(role.Teacher)
	if len(teacher) != 3 || teacher[1].ID != "mrp" {
		t.Fatalf("teacher modules = %+v", teacher)
	}
}

func TestParse_TraversalAbortsLoad(t *testing.T) {
	root := newLibrary(t, "ok.pdf")
	data := `
entries:
  - id: ok
    path: ok.pdf
    kind: document
    min_role: student
  - id: passwd
    path: ../../../etc/passwd
    kind: document
    min_role: student
`
	c, err := Parse([]byte(data), root)
	if c != nil {
		t.Fatal("catalog must not be returned when any entry fails")
	}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if !errors.Is(err, pathutil.ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot in chain", err)
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Entry != "passwd" {
		t.Fatalf("ConfigError = %+v", ce)
	}
}

func TestParse_SymlinkOutOfRootAbortsLoad(t *testing.T) {
	root := newLibrary(t)
	outside := filepath.Join(t.TempDir(), "secret.pdf")
	if err := os.WriteFile(outside, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root.Resolved, "secret.pdf")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	data := "entries:\n  - {id: s, path: secret.pdf, kind: document, min_role: student}\n"
	_, err := Parse([]byte(data), root)
	if !errors.Is(err, pathutil.ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
}

func TestParse_Rejects(t *testing.T) {
	root := newLibrary(t, "a.pdf", "b.xlsx", "dir/x.pdf")
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"empty id", "entries:\n  - {id: '', path: a.pdf, kind: document, min_role: student}\n", nil},
		{"slash in id", "entries:\n  - {id: a/b, path: a.pdf, kind: document, min_role: student}\n", nil},
		{"unknown kind", "entries:\n  - {id: a, path: a.pdf, kind: video, min_role: student}\n", nil},
		{"unknown role", "entries:\n  - {id: a, path: a.pdf, kind: document, min_role: admin}\n", nil},
		{"kind extension mismatch", "entries:\n  - {id: a, path: a.pdf, kind: spreadsheet, min_role: student}\n", nil},
		{"missing file", "entries:\n  - {id: a, path: nope.pdf, kind: document, min_role: student}\n", fs.ErrNotExist},
		{"directory", "entries:\n  - {id: a, path: dir, kind: document, min_role: student}\n", nil},
		{"absolute", "entries:\n  - {id: a, path: /etc/a.pdf, kind: document, min_role: student}\n", pathutil.ErrOutsideRoot},
		{"duplicate id", "entries:\n  - {id: a, path: a.pdf, kind: document, min_role: student}\n  - {id: a, path: b.xlsx, kind: spreadsheet, min_role: student}\n", nil},
		{"unknown module", "modules: [{id: m1}]\nentries:\n  - {id: a, path: a.pdf, kind: document, min_role: student, module: m2}\n", nil},
		{"unknown field", "entries:\n  - {id: a, path: a.pdf, kind: document, min_role: student, secret: x}\n", nil},
		{"bad yaml", "entries: [", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.yaml), root)
			if c != nil || err == nil {
				t.Fatalf("Parse succeeded, want error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v in chain", err, tt.want)
			}
		})
	}
}

func TestParse_ReportsEveryBadEntry(t *testing.T) {
	root := newLibrary(t)
	data := `
entries:
  - {id: a, path: ../a.pdf, kind: document, min_role: student}
  - {id: b, path: b.pdf, kind: nope, min_role: student}
`
	_, err := Parse([]byte(data), root)
	for _, id := range []string{`"a"`, `"b"`} {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("error %q does not mention entry %s", err, id)
		}
	}
}

func TestParse_NoRoot(t *testing.T) {
	_, err := Parse([]byte("entries: []\n"), pathutil.Root{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestLoadFile(t *testing.T) {
	root := newLibrary(t, "models/mod1.witness")
	name := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "entries:\n  - {id: mod1, path: models/mod1.witness, kind: simulation_model, min_role: student}\n"
	if err := os.WriteFile(name, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(name, root)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), root); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing file err = %v, want ErrConfig", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"spreadsheet", Spreadsheet, true},
		{"Simulation-Model", SimulationModel, true},
		{"simulation model", SimulationModel, true},
		{"PRESENTATION", Presentation, true},
		{"document", Document, true},
		{"video", "", false},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}

	ks, err := ParseKinds("spreadsheet, document,,")
	if err != nil || len(ks) != 2 {
		t.Fatalf("ParseKinds = %v, %v", ks, err)
	}
	if _, err := ParseKinds("spreadsheet,bogus"); err == nil {
		t.Fatal("ParseKinds should reject unknown kinds")
	}
}

func TestKind_MatchesExt(t *testing.T) {
	if !Spreadsheet.MatchesExt(".XLSM") {
		t.Fatal(".XLSM should match spreadsheet")
	}
	if Presentation.MatchesExt(".exe") {
		t.Fatal(".exe should not match presentation")
	}
}
