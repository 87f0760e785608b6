package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stratum-storage/stratum/internal/bytesize"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted
// as escape sequences, causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_MinimalConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestConfig(t, `
logging:
  level: "INFO"

devices:
  - id: 1
    path: "`+yamlSafePath(tmpDir)+`/dev1.img"
    size: 100Mi
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Pool.Workers != DefaultWorkers {
		t.Errorf("Expected default workers %d, got %d", DefaultWorkers, cfg.Pool.Workers)
	}
	if cfg.Pool.Deadman != 60*time.Second {
		t.Errorf("Expected default deadman 60s, got %v", cfg.Pool.Deadman)
	}
	if cfg.Write.Checksum != "blake3" {
		t.Errorf("Expected default checksum blake3, got %q", cfg.Write.Checksum)
	}

	// Explicit values were kept
	if len(cfg.Devices) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(cfg.Devices))
	}
	if cfg.Devices[0].Size != 100*bytesize.MiB {
		t.Errorf("Expected device size 100Mi, got %v", cfg.Devices[0].Size)
	}
	if cfg.Devices[0].Backend != "file" {
		t.Errorf("Expected default backend 'file', got %q", cfg.Devices[0].Backend)
	}
	if cfg.Devices[0].Workers != DefaultDeviceWorkers {
		t.Errorf("Expected default device workers %d, got %d",
			DefaultDeviceWorkers, cfg.Devices[0].Workers)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	configPath := writeTestConfig(t, `
logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  port: 9100

pool:
  name: "tank"
  workers: 16
  deadman: "2m"
  embed_threshold: 256

devices:
  - id: 1
    backend: mem
    size: 64Mi
  - id: 2
    backend: mem
    size: 64Mi
    class: log

classes:
  max_contiguous: 1Mi
  normal:
    shards: 8
    reserve_limit: 32Mi

write:
  checksum: sha256
  compression: zstd
  copies: 2
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Metrics.Port != 9100 {
		t.Errorf("Expected metrics port 9100, got %d", cfg.Metrics.Port)
	}
	if cfg.Pool.Name != "tank" {
		t.Errorf("Expected pool name 'tank', got %q", cfg.Pool.Name)
	}
	if cfg.Pool.Deadman != 2*time.Minute {
		t.Errorf("Expected deadman 2m, got %v", cfg.Pool.Deadman)
	}
	if cfg.Pool.EmbedThreshold != 256 {
		t.Errorf("Expected embed threshold 256, got %v", cfg.Pool.EmbedThreshold)
	}
	if cfg.Devices[1].Class != "log" {
		t.Errorf("Expected device 2 in class log, got %q", cfg.Devices[1].Class)
	}
	if cfg.Classes.MaxContiguous != bytesize.MiB {
		t.Errorf("Expected max_contiguous 1Mi, got %v", cfg.Classes.MaxContiguous)
	}
	if cfg.Classes.Normal.Shards != 8 {
		t.Errorf("Expected 8 normal shards, got %d", cfg.Classes.Normal.Shards)
	}
	if cfg.Write.Copies != 2 {
		t.Errorf("Expected copies 2, got %d", cfg.Write.Copies)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestConfig(t, `
devices:
  - id: 1
    path: "`+yamlSafePath(tmpDir)+`/dev1.img"
    size: 100Mi
`)

	t.Setenv("STRATUM_LOGGING_LEVEL", "debug")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env override DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for missing file, got error: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level INFO, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	configPath := writeTestConfig(t, "devices: [unclosed")
	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Pool.Name = "roundtrip"
	cfg.Devices = []DeviceConfig{
		{ID: 1, Backend: "mem", Size: 64 * bytesize.MiB, Workers: 2, Class: "normal"},
	}

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.Pool.Name != "roundtrip" {
		t.Errorf("Expected pool name 'roundtrip', got %q", loaded.Pool.Name)
	}
	if len(loaded.Devices) != 1 || loaded.Devices[0].Size != 64*bytesize.MiB {
		t.Errorf("Device did not round-trip: %+v", loaded.Devices)
	}
}

func TestMustLoad_MissingExplicitFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
	if !strings.Contains(err.Error(), "stratum init") {
		t.Errorf("Expected init instructions in error, got: %v", err)
	}
}
