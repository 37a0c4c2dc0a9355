package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pluginhost.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugins:
  load:
    paths:
      - /opt/libs/geometry.so
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Plugins.Load.Paths) != 1 || cfg.Plugins.Load.Paths[0] != "/opt/libs/geometry.so" {
		t.Errorf("Plugins.Load.Paths = %v", cfg.Plugins.Load.Paths)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("PLUGIN_DIR", "/opt/custom")
	path := writeConfig(t, `
plugins:
  load:
    paths:
      - ${PLUGIN_DIR}/geometry.so
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Plugins.Load.Paths[0]; got != "/opt/custom/geometry.so" {
		t.Errorf("path = %q, want expanded env var", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
plugins:
  load:
    bogus_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidateConfigCatchesMultipleIssues(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: extremely-loud
  format: xml
plugins:
  load:
    paths:
      - /a.so
      - /a.so
      - ""
  entries:
    broken:
      enabled: true
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	verr, ok := err.(*ConfigValidationError)
	if !ok {
		t.Fatalf("expected *ConfigValidationError, got %T: %v", err, err)
	}
	if len(verr.Issues) < 4 {
		t.Errorf("expected at least 4 issues, got %d: %v", len(verr.Issues), verr.Issues)
	}
}
