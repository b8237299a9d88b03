// internal/config/config.go
package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// weightEpsilon is the allowed deviation of a profile's weight sum from 1.
const weightEpsilon = 0.001

// LoadFromFile loads and validates configuration from a YAML file.
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("configuration filename cannot be empty")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads and validates configuration from YAML bytes.
// ${VAR} and ${VAR:-default} references are expanded from the environment
// before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvironmentVariables(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration built entirely from defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func expandEnvironmentVariables(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[3]
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "proxyharvester.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.QueryTimeout <= 0 {
		cfg.Database.QueryTimeout = Duration(10 * time.Second)
	}

	if cfg.Fetcher.MaxConcurrentRequests <= 0 {
		cfg.Fetcher.MaxConcurrentRequests = 20
	}
	if cfg.Fetcher.RequestTimeout <= 0 {
		cfg.Fetcher.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Fetcher.RetryAttempts <= 0 {
		cfg.Fetcher.RetryAttempts = 3
	}
	if cfg.Fetcher.SessionRotateAfter <= 0 {
		cfg.Fetcher.SessionRotateAfter = 2
	}
	if cfg.Fetcher.MinDelay <= 0 {
		cfg.Fetcher.MinDelay = Duration(1 * time.Second)
	}
	if cfg.Fetcher.MaxDelay <= 0 {
		cfg.Fetcher.MaxDelay = Duration(3 * time.Second)
	}
	if cfg.Fetcher.RefererChance <= 0 {
		cfg.Fetcher.RefererChance = 0.3
	}
	if cfg.Fetcher.ForwardedForChance <= 0 {
		cfg.Fetcher.ForwardedForChance = 0.2
	}

	if cfg.Validator.Timeout <= 0 {
		cfg.Validator.Timeout = Duration(30 * time.Second)
	}
	if cfg.Validator.ProbeTimeout <= 0 {
		cfg.Validator.ProbeTimeout = Duration(10 * time.Second)
	}
	if cfg.Validator.ConcurrentWorkers <= 0 {
		cfg.Validator.ConcurrentWorkers = 10
	}
	if len(cfg.Validator.EchoURLs) == 0 {
		cfg.Validator.EchoURLs = []string{
			"https://httpbin.org/ip",
			"https://api.ipify.org?format=json",
		}
	}
	if cfg.Validator.HeaderEchoURL == "" {
		cfg.Validator.HeaderEchoURL = "https://httpbin.org/headers"
	}
	if len(cfg.Validator.SpeedURLs) == 0 {
		cfg.Validator.SpeedURLs = []string{
			"https://httpbin.org/ip",
			"https://www.google.com/generate_204",
			"https://httpbin.org/status/200",
		}
	}
	if cfg.Validator.DownloadURL == "" {
		cfg.Validator.DownloadURL = "https://httpbin.org/bytes/1048576"
	}
	if cfg.Validator.DownloadTestSize <= 0 {
		cfg.Validator.DownloadTestSize = 1 << 20
	}
	if len(cfg.Validator.GeoProviders) == 0 {
		cfg.Validator.GeoProviders = []string{
			"http://ip-api.com/json/{ip}",
			"https://ipapi.co/{ip}/json/",
		}
	}
	if cfg.Validator.GeoCacheTTL <= 0 {
		cfg.Validator.GeoCacheTTL = Duration(1 * time.Hour)
	}
	if cfg.Validator.HistoryWindow <= 0 {
		cfg.Validator.HistoryWindow = Duration(1 * time.Hour)
	}
	if cfg.Validator.HistoryLimit <= 0 {
		cfg.Validator.HistoryLimit = 100
	}
	if cfg.Validator.DefaultProfile == "" {
		cfg.Validator.DefaultProfile = ProfileStandardValidation
	}

	if cfg.Scheduler.MaxConcurrentJobs <= 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}
	if cfg.Scheduler.JobQueueSize <= 0 {
		cfg.Scheduler.JobQueueSize = 100
	}
	if cfg.Scheduler.RetryCount < 0 {
		cfg.Scheduler.RetryCount = 0
	}
	if cfg.Scheduler.RetryBackoffBase <= 0 {
		cfg.Scheduler.RetryBackoffBase = Duration(500 * time.Millisecond)
	}
	if cfg.Scheduler.ValidationTimeout <= 0 {
		cfg.Scheduler.ValidationTimeout = Duration(10 * time.Minute)
	}
	if cfg.Scheduler.RetentionWindow <= 0 {
		cfg.Scheduler.RetentionWindow = Duration(24 * time.Hour)
	}
	if cfg.Scheduler.AutoCleanupInterval <= 0 {
		cfg.Scheduler.AutoCleanupInterval = Duration(1 * time.Hour)
	}
	if cfg.Scheduler.PersistencePath == "" {
		cfg.Scheduler.PersistencePath = "scheduler_state.json"
	}
	if cfg.Scheduler.ShutdownGrace <= 0 {
		cfg.Scheduler.ShutdownGrace = Duration(5 * time.Minute)
	}

	if cfg.Coordinator.DefaultInterval <= 0 {
		cfg.Coordinator.DefaultInterval = Duration(1 * time.Hour)
	}
	if cfg.Coordinator.DefaultTestLevel == "" {
		cfg.Coordinator.DefaultTestLevel = types.TestLevelStandard
	}
	if cfg.Coordinator.JobPriority <= 0 {
		cfg.Coordinator.JobPriority = 5
	}
	if cfg.Coordinator.MaxConcurrent <= 0 {
		cfg.Coordinator.MaxConcurrent = 3
	}
	if cfg.Coordinator.RetentionDays <= 0 {
		cfg.Coordinator.RetentionDays = 7
	}

	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = ":8080"
	}
	if cfg.API.RateLimitPerMinute <= 0 {
		cfg.API.RateLimitPerMinute = 120
	}
	if cfg.API.ReadTimeout <= 0 {
		cfg.API.ReadTimeout = Duration(15 * time.Second)
	}
	if cfg.API.WriteTimeout <= 0 {
		cfg.API.WriteTimeout = Duration(30 * time.Second)
	}
	if cfg.API.DefaultPageSize <= 0 {
		cfg.API.DefaultPageSize = 20
	}
	if cfg.API.MaxPageSize <= 0 {
		cfg.API.MaxPageSize = 200
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Monitoring.Namespace == "" {
		cfg.Monitoring.Namespace = "proxyharvester"
	}

	if cfg.Export.Directory == "" {
		cfg.Export.Directory = "exports"
	}

	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].MaxPages <= 0 {
			cfg.Sources[i].MaxPages = 5
		}
		if cfg.Sources[i].Priority <= 0 {
			cfg.Sources[i].Priority = 5
		}
		if cfg.Sources[i].CrawlInterval <= 0 {
			cfg.Sources[i].CrawlInterval = cfg.Coordinator.DefaultInterval
		}
		if cfg.Sources[i].DefaultProtocol == "" {
			cfg.Sources[i].DefaultProtocol = types.ProtocolHTTP
		}
	}

	if cfg.Profiles == nil {
		cfg.Profiles = map[string]ScoringProfile{}
	}
	for name, profile := range BundledProfiles() {
		if _, ok := cfg.Profiles[name]; !ok {
			cfg.Profiles[name] = profile
		}
	}
}

// applyEnvOverrides applies the enumerated environment keys on top of the
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := envInt("MAX_CONCURRENT_REQUESTS"); v > 0 {
		cfg.Fetcher.MaxConcurrentRequests = v
	}
	if v := envDuration("REQUEST_TIMEOUT"); v > 0 {
		cfg.Fetcher.RequestTimeout = Duration(v)
	}
	if v := envDuration("VALIDATOR_TIMEOUT"); v > 0 {
		cfg.Validator.Timeout = Duration(v)
	}
	if v := envInt("VALIDATOR_CONCURRENT_WORKERS"); v > 0 {
		cfg.Validator.ConcurrentWorkers = v
	}
	if v := envInt("RATE_LIMIT_PER_MINUTE"); v > 0 {
		cfg.API.RateLimitPerMinute = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MONITORING_ENABLED"); v != "" {
		cfg.Monitoring.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PROMETHEUS_ENABLED"); v != "" {
		cfg.Monitoring.PrometheusEnabled = v == "true" || v == "1"
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Validate checks the configuration. Errors here are fatal at load; the
// service refuses to start on an invalid configuration.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.type must be sqlite, postgres or mysql, got %q", c.Database.Type)
	}

	if c.Fetcher.MinDelay > c.Fetcher.MaxDelay {
		return fmt.Errorf("fetcher.min_delay (%v) exceeds fetcher.max_delay (%v)",
			c.Fetcher.MinDelay.Std(), c.Fetcher.MaxDelay.Std())
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source with empty name")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if src.URL == "" {
			return fmt.Errorf("source %q has no URL", src.Name)
		}
		switch src.Type {
		case "html":
			if src.Selectors.Row == "" || src.Selectors.IPCell == "" || src.Selectors.PortCell == "" {
				return fmt.Errorf("source %q: html sources require row, ip_cell and port_cell selectors", src.Name)
			}
		case "api":
			if src.Format != "json" && src.Format != "plain" {
				return fmt.Errorf("source %q: api sources require format json or plain", src.Name)
			}
		default:
			return fmt.Errorf("source %q: type must be html or api, got %q", src.Name, src.Type)
		}
		if src.Priority < 1 || src.Priority > 10 {
			return fmt.Errorf("source %q: priority must be in [1,10]", src.Name)
		}
	}

	for name, profile := range c.Profiles {
		if err := validateProfile(name, profile); err != nil {
			return err
		}
	}
	if _, ok := c.Profiles[c.Validator.DefaultProfile]; !ok {
		return fmt.Errorf("validator.default_profile %q is not a defined profile", c.Validator.DefaultProfile)
	}

	if c.Coordinator.JobPriority < 1 || c.Coordinator.JobPriority > 10 {
		return fmt.Errorf("coordinator.job_priority must be in [1,10]")
	}

	return nil
}

func validateProfile(name string, p ScoringProfile) error {
	if diff := math.Abs(p.Weights.Sum() - 1.0); diff > weightEpsilon {
		return fmt.Errorf("profile %q: weights sum to %.4f, must sum to 1", name, p.Weights.Sum())
	}
	if p.MinScoreThreshold < 0 || p.MinScoreThreshold > 100 {
		return fmt.Errorf("profile %q: min_score_threshold must be in [0,100]", name)
	}
	if p.Level != "" && !p.Level.Valid() {
		return fmt.Errorf("profile %q: unknown test level %q", name, p.Level)
	}
	return nil
}
