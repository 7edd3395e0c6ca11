package config_test

import (
	"os"
	"testing"

	"github.com/qmsforge/auditcore/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
project_path: /tmp/qms-project
daily_rotation: true
max_file_size_mb: 50
index_enabled: true
log_level: debug
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ProjectPath != "/tmp/qms-project" {
		t.Errorf("ProjectPath = %q", cfg.ProjectPath)
	}
	if cfg.MaxFileSizeMB != 50 {
		t.Errorf("MaxFileSizeMB = %d, want 50", cfg.MaxFileSizeMB)
	}
	// RetentionDays is not set in the YAML; Default()'s 2555 must survive
	// the merge.
	if cfg.RetentionDays != 2555 {
		t.Errorf("RetentionDays = %d, want default 2555", cfg.RetentionDays)
	}
	if cfg.IndexBackend != "sqlite" {
		t.Errorf("IndexBackend = %q, want default sqlite", cfg.IndexBackend)
	}
}

func TestLoad_MissingProjectPath(t *testing.T) {
	path := writeTemp(t, "daily_rotation: true\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing project_path, got nil")
	}
}

func TestLoad_InvalidIndexBackend(t *testing.T) {
	path := writeTemp(t, "project_path: /tmp/p\nindex_backend: mongodb\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid index_backend, got nil")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTemp(t, "project_path: [unterminated\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestConfig_LockWait(t *testing.T) {
	cfg := config.Default()
	if got, want := cfg.LockWait().Seconds(), 5.0; got != want {
		t.Errorf("LockWait() = %v, want %v", got, want)
	}
}

func TestConfig_FromEnv(t *testing.T) {
	t.Setenv("QMS_PROJECT_PATH", "/tmp/from-env")
	cfg := config.Config{}.FromEnv()
	if cfg.ProjectPath != "/tmp/from-env" {
		t.Errorf("ProjectPath = %q, want /tmp/from-env", cfg.ProjectPath)
	}

	cfg2 := config.Config{ProjectPath: "/explicit"}.FromEnv()
	if cfg2.ProjectPath != "/explicit" {
		t.Errorf("explicit ProjectPath was overridden: %q", cfg2.ProjectPath)
	}
}
