// internal/route/loader_test.go
//
// Tests for the pair loader using a temp routes directory.

package route

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoute(t *testing.T, dir, name, yaml, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".sql"), []byte(sql), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirRegistersPairs(t *testing.T) {
	dir := t.TempDir()
	writeRoute(t, dir, "greet", `
path: /greet
params:
  - name: name
    type: string
    required: true
`, `SELECT 'Hello, ' || $name AS g`)

	writeRoute(t, dir, "broken", `params: [{name: x}]`, `SELECT $undeclared`)

	reg := NewRegistry()
	loaded, failures, err := LoadDir(reg, dir, Defaults{RowsPerPage: 100})
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", failures)
	}

	def, ok := reg.Get("greet")
	if !ok {
		t.Fatalf("greet not registered")
	}
	if def.Path != "/greet" || def.ID != "greet" {
		t.Fatalf("definition fields wrong: %+v", def)
	}
	if _, ok := reg.GetByPath("/greet"); !ok {
		t.Fatalf("path index missing /greet")
	}
}

func TestLoadPairDefaultsIDFromFileStem(t *testing.T) {
	dir := t.TempDir()
	writeRoute(t, dir, "sales", `params: []`, `SELECT 1 AS one`)

	def, err := LoadPair(dir, "sales", Defaults{})
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if def.ID != "sales" || def.Path != "/r/sales" {
		t.Fatalf("id/path = %s %s", def.ID, def.Path)
	}
}

func TestLoadPairMissingTwinFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "half.yaml"), []byte("params: []"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPair(dir, "half", Defaults{}); err == nil {
		t.Fatalf("expected missing .sql twin to fail")
	}
}
