package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"listen":"0.0.0.0:20025","dumpdir":"/var/crash","hook":"/usr/local/sbin/on-dump","debug":true,"statsperiod":30}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.Listen != "0.0.0.0:20025" || cfg.DumpDir != "/var/crash" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.Hook != "/usr/local/sbin/on-dump" {
		t.Fatalf("expected hook to be populated")
	}
	if !cfg.Debug || cfg.StatsPeriod != 30 {
		t.Fatalf("unexpected debug/statsperiod: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
