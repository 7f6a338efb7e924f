package mirrorconfig

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoEnv(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 10 {
		t.Fatalf("expected default Workers=10, got %d", cfg.Workers)
	}
	if cfg.PollInterval != 300*time.Second {
		t.Fatalf("expected default PollInterval=300s, got %s", cfg.PollInterval)
	}
	if cfg.OriginBaseURL != "https://static.crates.io" {
		t.Fatalf("unexpected default OriginBaseURL: %s", cfg.OriginBaseURL)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MIRROR_WORKERS", "4")
	t.Setenv("MIRROR_S3_BUCKET", "my-bucket")
	t.Setenv("MIRROR_INDEX_DIR", "/var/lib/crates-index")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected MIRROR_WORKERS to override Workers, got %d", cfg.Workers)
	}
	if cfg.S3Bucket != "my-bucket" {
		t.Fatalf("expected MIRROR_S3_BUCKET override, got %q", cfg.S3Bucket)
	}
	if cfg.IndexDir != "/var/lib/crates-index" {
		t.Fatalf("expected MIRROR_INDEX_DIR override, got %q", cfg.IndexDir)
	}
}

func TestLoadSkipsMissingConfigFile(t *testing.T) {
	t.Setenv("MIRROR_CONFIG_DIR", os.TempDir()+"/does-not-exist-xyz")
	if _, err := Load(); err != nil {
		t.Fatalf("expected no error for a missing config dir, got %v", err)
	}
}
