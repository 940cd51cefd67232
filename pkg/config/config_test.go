package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Limits.MutationPermits == 0 || cfg.Retention.IndexDelay == 0 {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
	if cfg.WriteLog.MaxCount != 4096 {
		t.Errorf("write log max count = %d", cfg.WriteLog.MaxCount)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	data := `
instanceName: prod-1
dataDir: /data
limits:
  mutationPermits: 8
retention:
  indexDelay: 5m
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.InstanceName != "prod-1" || cfg.DataDir != "/data" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Limits.MutationPermits != 8 {
		t.Errorf("mutationPermits = %d", cfg.Limits.MutationPermits)
	}
	if cfg.Retention.IndexDelay.Std() != 5*time.Minute {
		t.Errorf("indexDelay = %s", cfg.Retention.IndexDelay.Std())
	}
	// Untouched keys keep their defaults.
	if cfg.Limits.QueryPermits != 64 {
		t.Errorf("queryPermits = %d", cfg.Limits.QueryPermits)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg.InstanceName == "" {
		t.Fatalf("Load(\"\") = (%+v, %v)", cfg, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
