package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromYAML(t *testing.T) {
	in := `
state_dir: /var/lib/lzcore
watchdog_deferral_seconds: 300
regions:
  staging:
    path: staging-override.bin
    size: 131072
`
	cfg, err := ReadFrom(strings.NewReader(in), YAML)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if cfg.StateDir != "/var/lib/lzcore" {
		t.Fatalf("StateDir = %q", cfg.StateDir)
	}
	if cfg.WatchdogDeferralSeconds != 300 {
		t.Fatalf("WatchdogDeferralSeconds = %d", cfg.WatchdogDeferralSeconds)
	}
	r, ok := cfg.Regions["staging"]
	if !ok {
		t.Fatalf("expected a staging region override")
	}
	if r.Path != "staging-override.bin" || r.Size != 131072 {
		t.Fatalf("staging region = %+v", r)
	}
}

func TestReadFromJSON(t *testing.T) {
	in := `{"state_dir":"/tmp/lz","regions":{"app":{"size":524288}}}`
	cfg, err := ReadFrom(strings.NewReader(in), JSON)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if cfg.StateDir != "/tmp/lz" {
		t.Fatalf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Regions["app"].Size != 524288 {
		t.Fatalf("app region size = %d", cfg.Regions["app"].Size)
	}
}

func TestReadFromFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("state_dir = \"/tmp\""), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadFromFile(path); err == nil {
		t.Fatalf("expected an unknown-file-type error for .toml")
	}
}

func TestReadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("watchdog_deferral_seconds: 60\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile: %v", err)
	}
	if cfg.WatchdogDeferralSeconds != 60 {
		t.Fatalf("WatchdogDeferralSeconds = %d", cfg.WatchdogDeferralSeconds)
	}
}

func TestMergeConfigsOverridesSelectively(t *testing.T) {
	base := &Lzcore{
		StateDir:                "/base",
		WatchdogDeferralSeconds: 120,
		Regions: map[string]Region{
			"staging": {Path: "staging.bin", Size: 65536},
			"app":     {Path: "app.bin", Size: 262144},
		},
	}
	override := &Lzcore{
		Regions: map[string]Region{
			"staging": {Size: 131072},
		},
	}

	got := MergeConfigs(base, override)
	if got.StateDir != "/base" || got.WatchdogDeferralSeconds != 120 {
		t.Fatalf("unset override fields must not clobber the base: %+v", got)
	}
	if got.Regions["staging"].Size != 131072 {
		t.Fatalf("staging size override not applied: %+v", got.Regions["staging"])
	}
	if got.Regions["staging"].Path != "staging.bin" {
		t.Fatalf("staging path must survive a size-only override: %+v", got.Regions["staging"])
	}
	if got.Regions["app"].Size != 262144 {
		t.Fatalf("untouched region changed: %+v", got.Regions["app"])
	}

	// the caller's base must be untouched
	if base.Regions["staging"].Size != 65536 {
		t.Fatalf("MergeConfigs mutated its base argument")
	}
}

func TestMergeConfigsNilOverride(t *testing.T) {
	base := &Lzcore{StateDir: "/base"}
	got := MergeConfigs(base, nil)
	if got == base {
		t.Fatalf("expected a clone, not the base pointer")
	}
	if got.StateDir != "/base" {
		t.Fatalf("StateDir = %q", got.StateDir)
	}
}
