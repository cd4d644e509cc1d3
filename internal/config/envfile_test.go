package config

import (
	"os"
	"path/filepath"
	"testing"
)

func unsetForTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDotEnv_SetsMissingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "RESTOPS_FOO=bar\nRESTOPS_EMPTY=\nRESTOPS_QUOTED=\"hello world\"\nRESTOPS_SINGLE='x y'\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	unsetForTest(t, "RESTOPS_FOO", "RESTOPS_EMPTY", "RESTOPS_QUOTED", "RESTOPS_SINGLE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}

	if got := os.Getenv("RESTOPS_FOO"); got != "bar" {
		t.Fatalf("RESTOPS_FOO = %q, want %q", got, "bar")
	}
	if got := os.Getenv("RESTOPS_EMPTY"); got != "" {
		t.Fatalf("RESTOPS_EMPTY = %q, want empty", got)
	}
	if got := os.Getenv("RESTOPS_QUOTED"); got != "hello world" {
		t.Fatalf("RESTOPS_QUOTED = %q, want %q", got, "hello world")
	}
	if got := os.Getenv("RESTOPS_SINGLE"); got != "x y" {
		t.Fatalf("RESTOPS_SINGLE = %q, want %q", got, "x y")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("RESTOPS_FOO=from_file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("RESTOPS_FOO", "from_env")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("RESTOPS_FOO"); got != "from_env" {
		t.Fatalf("RESTOPS_FOO = %q, want %q", got, "from_env")
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
