package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.Debounce != 200*time.Millisecond {
		t.Errorf("Debounce = %v, want 200ms", cfg.Debounce)
	}
	if cfg.SuppressionTTL != 500*time.Millisecond {
		t.Errorf("SuppressionTTL = %v, want 500ms", cfg.SuppressionTTL)
	}
	if cfg.AutosaveDelay != time.Second {
		t.Errorf("AutosaveDelay = %v, want 1s", cfg.AutosaveDelay)
	}
}

func TestLoad_ConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := "port: 9100\ndebounce: 150ms\n"
	if err := os.WriteFile(filepath.Join(dir, "mdsync.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.Debounce != 150*time.Millisecond {
		t.Errorf("Debounce = %v, want 150ms", cfg.Debounce)
	}
}

func TestLoad_FlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mdsync.yaml"), []byte("port: 9100\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 8000, "")
	if err := flags.Set("port", "9200"); err != nil {
		t.Fatalf("flag Set failed: %v", err)
	}

	cfg, err := Load(dir, flags)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != 9200 {
		t.Errorf("Port = %d, want flag value 9200", cfg.Port)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MDSYNC_PORT", "9300")

	cfg, err := Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != 9300 {
		t.Errorf("Port = %d, want env value 9300", cfg.Port)
	}
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mdsync.yaml"), []byte("port: 70000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(dir, nil); err == nil {
		t.Error("Load() should reject an out-of-range port")
	}
}

func TestLoad_MalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mdsync.yaml"), []byte("port: [not a port\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(dir, nil); err == nil {
		t.Error("Load() should fail on malformed yaml")
	}
}
