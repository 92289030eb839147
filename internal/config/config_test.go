package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"compass-pipeline/internal/model"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.StorageRoot != DefaultStorageRoot {
		t.Errorf("StorageRoot = %q, want %q", cfg.StorageRoot, DefaultStorageRoot)
	}
	if cfg.Refresh.Threshold != 7*24*time.Hour {
		t.Errorf("Refresh.Threshold = %v, want 168h", cfg.Refresh.Threshold)
	}
	if cfg.CustomRoot != DefaultCustomRoot || cfg.Collector.ConfigTemplate != "" {
		t.Errorf("CustomRoot = %q, ConfigTemplate = %q", cfg.CustomRoot, cfg.Collector.ConfigTemplate)
	}
	if got := cfg.RetryFor("raw").MaxRetries; got != 5 {
		t.Errorf("raw retries = %d, want 5", got)
	}
	if got := cfg.RetryFor("enrich").MaxRetries; got != 3 {
		t.Errorf("enrich retries = %d, want 3", got)
	}
	if got := cfg.RetryFor("custom_metrics").MaxRetries; got != 0 {
		t.Errorf("custom_metrics retries = %d, want 0", got)
	}
	if got := cfg.OutIndex("activity"); got != DefaultOutIndex+"_activity" {
		t.Errorf("OutIndex = %q", got)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `storage_root: /var/lib/compass
out_index_prefix: metrics_out
workers: 2
platforms:
  github:
    proxy: http://proxy:3128
retry:
  raw:
    max_retries: 1
    initial_delay: 10ms
refresh:
  threshold: 48h
  rate_per_second: 1
  burst: 1
custom_storage_root: /var/lib/compass-custom
collector:
  path: /opt/mordred/bin/micro-mordred
  config_template: /etc/compass/setup-template.cfg
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := map[string]string{
		"COMPASS_GITHUB_API_TOKEN": "ghp_secret",
		"COMPASS_WORKERS":          "8",
		"COMPASS_HOOK_PASS":        "hook-secret",

		"COMPASS_COLLECTOR_CONFIG_TEMPLATE": "/srv/setup-template.cfg",
	}
	cfg, err := LoadWithEnv(path, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}

	if cfg.StorageRoot != "/var/lib/compass" {
		t.Errorf("StorageRoot = %q", cfg.StorageRoot)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want env override 8", cfg.Workers)
	}
	if cfg.HookPassword != "hook-secret" {
		t.Errorf("HookPassword = %q", cfg.HookPassword)
	}
	creds := cfg.Credentials(model.PlatformGitHub)
	if creds.APIToken != "ghp_secret" || creds.Proxy != "http://proxy:3128" {
		t.Errorf("github credentials = %+v", creds)
	}
	raw := cfg.RetryFor("raw")
	if raw.MaxRetries != 1 || raw.InitialDelay != 10*time.Millisecond {
		t.Errorf("raw retry override = %+v", raw)
	}
	if cfg.Refresh.Threshold != 48*time.Hour {
		t.Errorf("Refresh.Threshold = %v", cfg.Refresh.Threshold)
	}
	if cfg.OutIndex("activity") != "metrics_out_activity" {
		t.Errorf("OutIndex = %q", cfg.OutIndex("activity"))
	}
	if cfg.CustomRoot != "/var/lib/compass-custom" {
		t.Errorf("CustomRoot = %q", cfg.CustomRoot)
	}
	if cfg.Collector.Path != "/opt/mordred/bin/micro-mordred" || cfg.Collector.ConfigTemplate != "/srv/setup-template.cfg" {
		t.Errorf("Collector = %+v", cfg.Collector)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad workers", env: map[string]string{"COMPASS_WORKERS": "many"}},
		{name: "zero workers", env: map[string]string{"COMPASS_WORKERS": "0"}},
		{name: "bad from date", env: map[string]string{"COMPASS_METRICS_FROM_DATE": "01/01/2000"}},
		{name: "bad threshold", env: map[string]string{"COMPASS_REFRESH_THRESHOLD": "a week"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv("", func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), noEnv); err == nil {
		t.Fatal("expected error for missing file")
	}
}
