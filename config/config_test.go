package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ufwt/ptcov/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ptcov.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
image_path: /tmp/target.bin
base_address: 0x400000
max_address: 0x500000
entry_point: 0x401000
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MapSize != 1<<16 {
		t.Errorf("MapSize = %d, want %d", cfg.MapSize, 1<<16)
	}
	if cfg.AuxSize != 4*1024*1024 {
		t.Errorf("AuxSize = %d, want %d", cfg.AuxSize, 4*1024*1024)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing image", "base_address: 1\nmax_address: 2\nentry_point: 1\n"},
		{"max before base", "image_path: a\nbase_address: 2\nmax_address: 1\nentry_point: 1\n"},
		{"entry out of range", "image_path: a\nbase_address: 1\nmax_address: 2\nentry_point: 5\n"},
		{"bad map_size", "image_path: a\nbase_address: 1\nmax_address: 2\nentry_point: 1\nmap_size: 3\n"},
		{"bad log level", "image_path: a\nbase_address: 1\nmax_address: 2\nentry_point: 1\nlog_level: verbose\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			if _, err := config.Load(path); err == nil {
				t.Fatalf("Load: expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load: expected error for missing file")
	}
}
