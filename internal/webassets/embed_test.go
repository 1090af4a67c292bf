package webassets

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFallbackFS_Pages(t *testing.T) {
	fsys := FallbackFS()
	for name, want := range map[string]string{
		"unavailable.html": "unavailable",
		"404.html":         "not found",
	} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !strings.Contains(strings.ToLower(string(data)), want) {
			t.Errorf("%s does not mention %q", name, want)
		}
	}
}

func TestFallbackFS_OnlyFallback(t *testing.T) {
	var names []string
	err := fs.WalkDir(FallbackFS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("embedded files = %v", names)
	}
}
