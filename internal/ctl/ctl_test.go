package ctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/keithlinneman/edutoolbox/internal/catalog"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func library(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "docs/guide.pdf"), "%PDF")
	writeFile(t, filepath.Join(dir, "docs/intro.pptx"), "pptx")
	writeFile(t, filepath.Join(dir, "teacher/answers.xlsx"), "xlsx")
	writeFile(t, filepath.Join(dir, "catalog.yaml"), `
modules:
  - {id: m1, name: Line Balancing}
entries:
  - {id: guide, path: docs/guide.pdf, kind: document, min_role: student, module: m1}
  - {id: deck, path: docs/intro.pptx, kind: presentation, min_role: student, module: m1}
  - {id: answers, path: teacher/answers.xlsx, kind: spreadsheet, min_role: teacher}
`)
	return dir
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"catalog", "check"},
		{"accounts", "check"},
		{"passwd", "hash"},
		{"db", "migrate"},
		{"version"},
	} {
		sub, _, err := cmd.Find(path)
		if err != nil || sub.Name() != path[len(path)-1] {
			t.Fatalf("Find(%v) = %v, %v", path, sub, err)
		}
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	if _, err := run(t, "", "--format", "xml", "version"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCatalogCheck(t *testing.T) {
	dir := library(t)
	out, err := run(t, "", "catalog", "check", "--content-root", dir, "--allowed-kinds", "document,spreadsheet")
	if err != nil {
		t.Fatalf("catalog check: %v", err)
	}
	for _, want := range []string{"entries: 3 (2 visible to students) in 2 modules", "deck is not in the allowed kinds", "ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCatalogCheck_StrictJSON(t *testing.T) {
	dir := library(t)
	out, err := run(t, "", "--format", "json", "catalog", "check", "--content-root", dir, "--allowed-kinds", "document,spreadsheet", "--strict")
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("err = %v, want ErrCheckFailed", err)
	}
	var rep catalogReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.Entries != 3 || rep.Kinds["presentation"] != 1 || len(rep.Blocked) != 1 || rep.Blocked[0] != "deck" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestCatalogCheck_BadCatalog(t *testing.T) {
	dir := library(t)
	writeFile(t, filepath.Join(dir, "catalog.yaml"), "entries:\n  - {id: gone, path: ../outside.pdf, kind: document, min_role: student}\n")
	_, err := run(t, "", "catalog", "check", "--content-root", dir)
	if !errors.Is(err, catalog.ErrConfig) {
		t.Fatalf("err = %v, want catalog.ErrConfig", err)
	}
}

func TestAccountsCheck(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(t.TempDir(), "accounts.yaml")
	writeFile(t, name, "accounts:\n  - {identity: a, role: student, password_hash: '"+string(h)+"'}\n")

	out, err := run(t, "", "accounts", "check", "--accounts", name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 accounts ok") {
		t.Fatalf("output = %q", out)
	}
}

func TestPasswdHash_Stdin(t *testing.T) {
	out, err := run(t, "hunter2\n", "passwd", "hash", "--stdin", "--cost", "4")
	if err != nil {
		t.Fatal(err)
	}
	h := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("hunter2")); err != nil {
		t.Fatalf("hash %q does not match: %v", h, err)
	}
}

func TestPasswdHash_Prompt(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	answers := [][]byte{[]byte("chalk"), []byte("chalk")}
	readPassword = func(int) ([]byte, error) {
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	out, err := run(t, "", "--format", "json", "passwd", "hash", "--cost", "4")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		PasswordHash string `json:"password_hash"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(got.PasswordHash), []byte("chalk")); err != nil {
		t.Fatal(err)
	}
}

func TestPasswdHash_Mismatch(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	answers := [][]byte{[]byte("one"), []byte("two")}
	readPassword = func(int) ([]byte, error) {
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	if _, err := run(t, "", "passwd", "hash"); !errors.Is(err, errPasswordMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestPasswdHash_Empty(t *testing.T) {
	if _, err := run(t, "\n", "passwd", "hash", "--stdin"); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestDBMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "sub", "records.db")
	out, err := run(t, "", "db", "migrate", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "records for 0 identities") {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatal(err)
	}
}
