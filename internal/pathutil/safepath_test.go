package pathutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/normal/path", false},
		{"/path/./here", true},
		{"/path/../up", true},
		{".", true},
		{"..", true},
		{"/...", false},     // three dots is not a dot segment
		{"/.hidden", false}, // dotfile, not a dot segment
		{"/.dotdir/file", false},
		{"/path/to/.", true},
		{"/./", true},
		{"/../", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := HasDotSegments(tt.path)
			if got != tt.want {
				t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func FuzzHasDotSegments(f *testing.F) {
	f.Add("foo/./bar")
	f.Add("foo/../bar")
	f.Add("./foo")
	f.Add("foo/.")
	f.Add(".")
	f.Add("..")
	f.Add("foo/bar")
	f.Add("...") // triple dot — should NOT trigger

	f.Fuzz(func(t *testing.T, p string) {
		result := HasDotSegments(p)
		// INVARIANT: if result is false, no segment equals "." or ".."
		segments := strings.Split(p, "/")
		hasDangerousSegment := false
		for _, seg := range segments {
			if seg == "." || seg == ".." {
				hasDangerousSegment = true
				break
			}
		}
		if result != hasDangerousSegment {
			t.Errorf("HasDotSegments(%q) = %v, but manual check = %v", p, result, hasDangerousSegment)
		}
	})
}

// helpers

func mkfile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
}

func testRoot(t *testing.T) Root {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "library")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := ResolveRoot(dir)
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	return r
}

func TestResolveRoot(t *testing.T) {
	r := testRoot(t)
	if !filepath.IsAbs(r.Resolved) {
		t.Fatalf("Resolved %q is not absolute", r.Resolved)
	}

	if _, err := ResolveRoot(""); err == nil {
		t.Fatal("empty root should fail")
	}
	if _, err := ResolveRoot(filepath.Join(r.Resolved, "missing")); err == nil {
		t.Fatal("missing root should fail")
	}
	f := filepath.Join(r.Resolved, "file.txt")
	mkfile(t, f)
	if _, err := ResolveRoot(f); err == nil {
		t.Fatal("file root should fail")
	}
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/srv/library")
	tests := []struct {
		p    string
		want bool
	}{
		{"/srv/library", true},
		{"/srv/library/models/a.witness", true},
		{"/srv/library-evil/a", false},
		{"/srv/other", false},
		{"/srv", false},
		{"/srv/library/..foo", true},
	}
	for _, tt := range tests {
		if got := Within(root, filepath.FromSlash(tt.p)); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", root, tt.p, got, tt.want)
		}
	}
}

func TestResolveWithin(t *testing.T) {
	r := testRoot(t)
	mkfile(t, filepath.Join(r.Resolved, "models", "mod1.witness"))

	got, err := ResolveWithin(r, "models/mod1.witness")
	if err != nil {
		t.Fatalf("ResolveWithin: %v", err)
	}
	if want := filepath.Join(r.Resolved, "models", "mod1.witness"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	for _, rel := range []string{"../../../etc/passwd", "/etc/passwd", "models/../../x", "", ".", "a\x00b"} {
		_, err := ResolveWithin(r, rel)
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("ResolveWithin(%q) err = %v, want ErrOutsideRoot", rel, err)
		}
	}

	if _, err := ResolveWithin(r, "models/missing.witness"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing file err = %v, want ErrNotExist", err)
	}
}

func TestResolveWithin_SymlinkEscape(t *testing.T) {
	r := testRoot(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	mkfile(t, outside)
	symlinkOrSkip(t, outside, filepath.Join(r.Resolved, "link.txt"))

	_, err := ResolveWithin(r, "link.txt")
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
	if !IsViolation(err) {
		t.Fatal("IsViolation should be true")
	}
}

func TestVerify(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "docs", "guide.pdf")
	mkfile(t, p)

	got, err := Verify(r, p)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != p {
		t.Fatalf("got %q, want %q", got, p)
	}
}

func TestVerify_FileSwappedForSymlink(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "docs", "guide.pdf")
	mkfile(t, p)

	outside := filepath.Join(t.TempDir(), "passwd")
	mkfile(t, outside)
	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, outside, p)

	_, err := Verify(r, p)
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
}

func TestVerify_FileRetargetedInsideRoot(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "docs", "guide.pdf")
	mkfile(t, p)
	other := filepath.Join(r.Resolved, "teacher", "grades.xlsx")
	mkfile(t, other)
	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, other, p)

	got, err := Verify(r, p)
	if !errors.Is(err, ErrRetargeted) {
		t.Fatalf("Verify = %q, %v; want ErrRetargeted", got, err)
	}
	if !IsViolation(err) {
		t.Fatal("IsViolation should be true")
	}
}

func TestVerify_DirectoryRetargetedInsideRoot(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "docs", "guide.pdf")
	mkfile(t, p)
	mkfile(t, filepath.Join(r.Resolved, "teacher", "guide.pdf"))
	if err := os.RemoveAll(filepath.Join(r.Resolved, "docs")); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, filepath.Join(r.Resolved, "teacher"), filepath.Join(r.Resolved, "docs"))

	if _, err := Verify(r, p); !errors.Is(err, ErrRetargeted) {
		t.Fatalf("err = %v, want ErrRetargeted", err)
	}
}

func TestVerify_DirectorySwappedForSymlink(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "docs", "guide.pdf")
	mkfile(t, p)

	elsewhere := t.TempDir()
	mkfile(t, filepath.Join(elsewhere, "guide.pdf"))
	if err := os.RemoveAll(filepath.Join(r.Resolved, "docs")); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, elsewhere, filepath.Join(r.Resolved, "docs"))

	if _, err := Verify(r, p); !IsViolation(err) {
		t.Fatalf("err = %v, want a violation", err)
	}
}

func TestVerify_RootSwappedForSymlink(t *testing.T) {
	r := testRoot(t)
	p := filepath.Join(r.Resolved, "a.txt")
	mkfile(t, p)

	replacement := t.TempDir()
	mkfile(t, filepath.Join(replacement, "a.txt"))
	if err := os.RemoveAll(r.Resolved); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, replacement, r.Resolved)

	_, err := Verify(r, p)
	if !errors.Is(err, ErrRootChanged) {
		t.Fatalf("err = %v, want ErrRootChanged", err)
	}
}

func TestVerify_MissingFileIsNotAViolation(t *testing.T) {
	r := testRoot(t)
	_, err := Verify(r, filepath.Join(r.Resolved, "gone.xlsx"))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsViolation(err) {
		t.Fatalf("missing file should not be a violation: %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestVerify_LexicallyOutside(t *testing.T) {
	r := testRoot(t)
	if _, err := Verify(r, filepath.Join(r.Resolved, "..", "x")); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
}
