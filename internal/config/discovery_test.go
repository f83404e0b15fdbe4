package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverConfigPathEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("service: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JOURNEYMAN_CONFIG", path)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
}

func TestDiscoverConfigPathEnvVarMissingFile(t *testing.T) {
	t.Setenv("JOURNEYMAN_CONFIG", "/nonexistent/custom.yaml")
	if _, err := DiscoverConfigPath(); err == nil {
		t.Fatal("expected error when JOURNEYMAN_CONFIG points nowhere")
	}
}

func TestDiscoverConfigPathCurrentDir(t *testing.T) {
	t.Setenv("JOURNEYMAN_CONFIG", "")
	t.Setenv("HOME", t.TempDir()) // no user config

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath: %v", err)
	}
	if got != "./config.yaml" {
		t.Errorf("path = %q, want ./config.yaml", got)
	}
}
