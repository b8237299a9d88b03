// internal/config/config_test.go
package config

import (
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Scheduler.MaxConcurrentJobs != 3 {
		t.Errorf("max_concurrent_jobs = %d, want 3", cfg.Scheduler.MaxConcurrentJobs)
	}
	if cfg.Scheduler.JobQueueSize != 100 {
		t.Errorf("job_queue_size = %d, want 100", cfg.Scheduler.JobQueueSize)
	}
	if cfg.Validator.ConcurrentWorkers != 10 {
		t.Errorf("concurrent_workers = %d, want 10", cfg.Validator.ConcurrentWorkers)
	}
	if cfg.Fetcher.MinDelay.Std() != time.Second || cfg.Fetcher.MaxDelay.Std() != 3*time.Second {
		t.Errorf("fetch delay defaults wrong: %v - %v", cfg.Fetcher.MinDelay.Std(), cfg.Fetcher.MaxDelay.Std())
	}
	if cfg.Coordinator.DefaultTestLevel != types.TestLevelStandard {
		t.Errorf("default test level = %s", cfg.Coordinator.DefaultTestLevel)
	}
}

func TestBundledProfileWeightsSumToOne(t *testing.T) {
	for name, profile := range BundledProfiles() {
		if diff := math.Abs(profile.Weights.Sum() - 1.0); diff > weightEpsilon {
			t.Errorf("profile %s weights sum to %.4f", name, profile.Weights.Sum())
		}
	}
}

func TestLoadFromBytes(t *testing.T) {
	yaml := `
database:
  type: sqlite
  url: test.db
validator:
  timeout: 45s
  concurrent_workers: 4
scheduler:
  max_concurrent_jobs: 2
  job_queue_size: 10
sources:
  - name: src1
    type: html
    url: https://example.com/proxies
    selectors:
      row: "table tr"
      ip_cell: "td:nth-child(1)"
      port_cell: "td:nth-child(2)"
    priority: 5
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Validator.Timeout.Std() != 45*time.Second {
		t.Errorf("timeout = %v", cfg.Validator.Timeout.Std())
	}
	if cfg.Validator.ConcurrentWorkers != 4 {
		t.Errorf("workers = %d", cfg.Validator.ConcurrentWorkers)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Name != "src1" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	// Bundled profiles must still be present.
	if _, ok := cfg.Profiles[ProfileStandardValidation]; !ok {
		t.Error("bundled profiles not merged")
	}
}

func TestInvalidWeightsFatal(t *testing.T) {
	yaml := `
profiles:
  broken:
    weights:
      connection_success: 0.5
      response_time: 0.9
    min_score_threshold: 60
`
	_, err := LoadFromBytes([]byte(yaml))
	if err == nil {
		t.Fatal("expected load failure for weights not summing to 1")
	}
	if !strings.Contains(err.Error(), "must sum to 1") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvalidSourceRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"html without selectors",
			"sources:\n  - name: bad\n    type: html\n    url: https://x\n    priority: 5\n",
		},
		{
			"api without format",
			"sources:\n  - name: bad\n    type: api\n    url: https://x\n    priority: 5\n",
		},
		{
			"unknown type",
			"sources:\n  - name: bad\n    type: rss\n    url: https://x\n    priority: 5\n",
		},
		{
			"priority out of range",
			"sources:\n  - name: bad\n    type: api\n    format: plain\n    url: https://x\n    priority: 11\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tt.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvironmentExpansion(t *testing.T) {
	os.Setenv("TEST_PH_DB", "expanded.db")
	defer os.Unsetenv("TEST_PH_DB")

	cfg, err := LoadFromBytes([]byte("database:\n  type: sqlite\n  url: ${TEST_PH_DB}\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Database.URL != "expanded.db" {
		t.Errorf("url = %q", cfg.Database.URL)
	}

	// Default syntax when the variable is unset.
	cfg, err = LoadFromBytes([]byte("database:\n  type: sqlite\n  url: ${TEST_PH_MISSING:-fallback.db}\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Database.URL != "fallback.db" {
		t.Errorf("url = %q", cfg.Database.URL)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("VALIDATOR_TIMEOUT", "90s")
	os.Setenv("RATE_LIMIT_PER_MINUTE", "33")
	defer os.Unsetenv("VALIDATOR_TIMEOUT")
	defer os.Unsetenv("RATE_LIMIT_PER_MINUTE")

	cfg, err := LoadFromBytes([]byte("logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Validator.Timeout.Std() != 90*time.Second {
		t.Errorf("timeout = %v", cfg.Validator.Timeout.Std())
	}
	if cfg.API.RateLimitPerMinute != 33 {
		t.Errorf("rate limit = %d", cfg.API.RateLimitPerMinute)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("scheduler:\n  validation_timeout: 120\n"))
	if err != nil {
		t.Fatalf("integer seconds rejected: %v", err)
	}
	if cfg.Scheduler.ValidationTimeout.Std() != 120*time.Second {
		t.Errorf("timeout = %v", cfg.Scheduler.ValidationTimeout.Std())
	}

	if _, err := LoadFromBytes([]byte("scheduler:\n  validation_timeout: soon\n")); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
