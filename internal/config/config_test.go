package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsMatchDocumentedThresholds(t *testing.T) {
	cfg := Default()
	if cfg.Grouping.ThresholdSeconds != 3.5 {
		t.Fatalf("expected 3.5s grouping threshold, got %v", cfg.Grouping.ThresholdSeconds)
	}
	if cfg.Transfer.MultipartThreshold() != 20<<20 {
		t.Fatalf("expected 20MB multipart cutoff, got %d", cfg.Transfer.MultipartThreshold())
	}
	if cfg.Transfer.Concurrency.DecreaseFactor != 0.7 || cfg.Transfer.RetryAttempts != 3 {
		t.Fatalf("unexpected limiter defaults: %+v", cfg.Transfer)
	}
	if cfg.Enhance.PollAttempts != 120 || cfg.Enhance.PollIntervalMS != 3000 {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Enhance)
	}
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if err := cfg.Validate(true); err == nil {
		t.Fatalf("expected missing secret to fail validation when serving")
	}
}

func TestLoadFileJSONAndTOML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"grouping":{"threshold_seconds":5},"processing":{"workers":7}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Grouping.ThresholdSeconds != 5 || cfg.Processing.Workers != 7 {
		t.Fatalf("json values not applied: %+v %+v", cfg.Grouping, cfg.Processing)
	}
	if cfg.Transfer.MultipartThresholdMB != 20 {
		t.Fatalf("expected defaults to survive partial file")
	}

	tomlPath := filepath.Join(dir, "config.toml")
	body := "[transfer]\nmultipart_threshold_mb = 32\n\n[transfer.concurrency]\nmin = 2\nmax = 8\ninitial = 4\ndecrease_factor = 0.5\n"
	if err := os.WriteFile(tomlPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadFile(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Transfer.MultipartThresholdMB != 32 || cfg.Transfer.Concurrency.Max != 8 || cfg.Transfer.Concurrency.DecreaseFactor != 0.5 {
		t.Fatalf("toml values not applied: %+v", cfg.Transfer)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STACKLINE_MULTIPART_THRESHOLD_MB", "64")
	t.Setenv("STACKLINE_GROUP_THRESHOLD_SECONDS", "2.5")
	t.Setenv("STACKLINE_AUTH_SECRET", "0123456789abcdef0123")
	t.Setenv("STACKLINE_WORKERS", "not-a-number")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transfer.MultipartThresholdMB != 64 || cfg.Grouping.ThresholdSeconds != 2.5 {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Transfer, cfg.Grouping)
	}
	if cfg.Processing.Workers != defaultWorkers {
		t.Fatalf("expected bad numeric env to be ignored, got %d", cfg.Processing.Workers)
	}
	if err := cfg.Validate(true); err != nil {
		t.Fatalf("expected env secret to satisfy validation: %v", err)
	}
}

func TestValidateRejectsBadLimiter(t *testing.T) {
	cfg := Default()
	cfg.Transfer.Concurrency.Min = 5
	cfg.Transfer.Concurrency.Max = 2
	cfg.Transfer.PartConcurrency.DecreaseFactor = 1.5
	err := cfg.Validate(false)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "transfer.concurrency") || !strings.Contains(err.Error(), "decrease_factor") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Server.Addr = ":9999"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Addr != ":9999" {
		t.Fatalf("expected saved addr, got %s", loaded.Server.Addr)
	}
}
