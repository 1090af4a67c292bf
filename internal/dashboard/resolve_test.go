package dashboard

import (
	"testing"
	"testing/fstest"
)

func TestResolvePath(t *testing.T) {
	fsys := fstest.MapFS{
		"index.html":         {},
		"student/index.html": {},
		"student/notes.html": {},
		"teacher/app.js":     {},
	}
	tests := []struct {
		in       string
		file     string
		redirect string
		ok       bool
	}{
		{"/", "index.html", "", true},
		{"", "index.html", "", true},
		{"/student/", "student/index.html", "", true},
		{"/student", "", "/student/", true},
		{"/student/notes", "student/notes.html", "", true},
		{"/student/notes.html", "student/notes.html", "", true},
		{"/teacher/", "teacher/index.html", "", false},
		{"/teacher/app.js", "teacher/app.js", "", true},
		{"/student/./index.html", "", "", false},
		{"/student/../index.html", "", "", false},
		{`/student\notes.html`, "", "", false},
		{"/a\x00b", "", "", false},
		{"/missing", "", "", false},
	}
	for _, tt := range tests {
		file, redirect, ok := resolvePath(tt.in, fsys, "index.html")
		if ok != tt.ok || redirect != tt.redirect || (tt.ok && file != tt.file) {
			t.Errorf("resolvePath(%q) = %q, %q, %v; want %q, %q, %v", tt.in, file, redirect, ok, tt.file, tt.redirect, tt.ok)
		}
	}
}
