// internal/config/types.go
package config

import (
	"fmt"
	"time"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or integer seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs int64
	if err := unmarshal(&secs); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Database    DatabaseConfig            `yaml:"database"`
	Redis       RedisConfig               `yaml:"redis"`
	Fetcher     FetcherConfig             `yaml:"fetcher"`
	Validator   ValidatorConfig           `yaml:"validator"`
	Scheduler   SchedulerConfig           `yaml:"scheduler"`
	Coordinator CoordinatorConfig         `yaml:"coordinator"`
	API         APIConfig                 `yaml:"api"`
	Logging     LoggingConfig             `yaml:"logging"`
	Monitoring  MonitoringConfig          `yaml:"monitoring"`
	Sources     []SourceConfig            `yaml:"sources"`
	Profiles    map[string]ScoringProfile `yaml:"profiles"`
	Export      ExportConfig              `yaml:"export"`
}

// DatabaseConfig selects and sizes the SQL backend.
type DatabaseConfig struct {
	Type            string   `yaml:"type"` // sqlite | postgres | mysql
	URL             string   `yaml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    Duration `yaml:"query_timeout"`
}

// RedisConfig enables the optional Redis-backed geo-IP cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// FetcherConfig controls outbound HTTP behaviour for extractors.
type FetcherConfig struct {
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	RequestTimeout        Duration `yaml:"request_timeout"`
	RetryAttempts         int      `yaml:"retry_attempts"`
	SessionRotateAfter    int      `yaml:"session_rotate_after"` // failures before session rotation
	MinDelay              Duration `yaml:"min_delay"`
	MaxDelay              Duration `yaml:"max_delay"`
	RefererChance         float64  `yaml:"referer_chance"`
	ForwardedForChance    float64  `yaml:"forwarded_for_chance"`
}

// ValidatorConfig controls the validation subsystem.
type ValidatorConfig struct {
	Timeout           Duration `yaml:"timeout"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	ConcurrentWorkers int      `yaml:"concurrent_workers"`
	EchoURLs          []string `yaml:"echo_urls"`
	HeaderEchoURL     string   `yaml:"header_echo_url"`
	SpeedURLs         []string `yaml:"speed_urls"`
	DownloadURL       string   `yaml:"download_url"`
	DownloadTestSize  int64    `yaml:"download_test_size"`
	GeoProviders      []string `yaml:"geo_providers"`
	GeoCacheTTL       Duration `yaml:"geo_cache_ttl"`
	HistoryWindow     Duration `yaml:"history_window"`
	HistoryLimit      int      `yaml:"history_limit"`
	DefaultProfile    string   `yaml:"default_profile"`
}

// SchedulerConfig controls the validation job scheduler.
type SchedulerConfig struct {
	MaxConcurrentJobs   int      `yaml:"max_concurrent_jobs"`
	JobQueueSize        int      `yaml:"job_queue_size"`
	RetryCount          int      `yaml:"retry_count"`
	RetryBackoffBase    Duration `yaml:"retry_backoff_base"`
	ValidationTimeout   Duration `yaml:"validation_timeout"`
	RetentionWindow     Duration `yaml:"retention_window"`
	AutoCleanupInterval Duration `yaml:"auto_cleanup_interval"`
	PersistencePath     string   `yaml:"persistence_path"`
	ShutdownGrace       Duration `yaml:"shutdown_grace"`
}

// CoordinatorConfig controls the periodic ETL runs.
type CoordinatorConfig struct {
	DefaultInterval  Duration        `yaml:"default_interval"`
	DefaultTestLevel types.TestLevel `yaml:"default_test_level"`
	JobPriority      int             `yaml:"job_priority"`
	MaxConcurrent    int             `yaml:"max_concurrent_sources"`
	RetentionDays    int             `yaml:"retention_days"`
}

// APIConfig controls the inbound HTTP surface.
type APIConfig struct {
	ListenAddress      string   `yaml:"listen_address"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	DefaultPageSize    int      `yaml:"default_page_size"`
	MaxPageSize        int      `yaml:"max_page_size"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// MonitoringConfig toggles metric and health exposition.
type MonitoringConfig struct {
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	Namespace         string `yaml:"namespace"`
}

// ExportConfig controls pool snapshot exports.
type ExportConfig struct {
	Directory string `yaml:"directory"`
	MongoURL  string `yaml:"mongo_url"`
	MongoDB   string `yaml:"mongo_db"`
}

// SelectorSet is the deterministic table selector bundle for HTML sources.
type SelectorSet struct {
	Row             string `yaml:"row"`
	IPCell          string `yaml:"ip_cell"`
	PortCell        string `yaml:"port_cell"`
	CountryCell     string `yaml:"country_cell"`
	AnonymityCell   string `yaml:"anonymity_cell"`
	ProtocolCell    string `yaml:"protocol_cell"`
	LastCheckedCell string `yaml:"last_checked_cell"`
	NextPage        string `yaml:"next_page"`
}

// SourceConfig is a named extractor configuration. One config record per
// source; the extractor shape is chosen by Type.
type SourceConfig struct {
	Name            string         `yaml:"name"`
	Type            string         `yaml:"type"`   // html | api
	Format          string         `yaml:"format"` // api only: json | plain
	URL             string         `yaml:"url"`    // page template, {page} substituted
	Selectors       SelectorSet    `yaml:"selectors"`
	MaxPages        int            `yaml:"max_pages"`
	Enabled         bool           `yaml:"enabled"`
	Priority        int            `yaml:"priority"`
	CrawlInterval   Duration       `yaml:"crawl_interval"`
	RetryAttempts   int            `yaml:"retry_attempts"`   // overrides the fetcher retry budget when > 0
	RateLimitDelay  Duration       `yaml:"rate_limit_delay"` // extra delay before each request
	DefaultProtocol types.Protocol `yaml:"default_protocol"`
}

// Weights are the composite scoring weights. They must sum to one.
type Weights struct {
	ConnectionSuccess float64 `yaml:"connection_success" json:"connection_success"`
	ResponseTime      float64 `yaml:"response_time" json:"response_time"`
	AnonymityLevel    float64 `yaml:"anonymity_level" json:"anonymity_level"`
	Stability         float64 `yaml:"stability" json:"stability"`
	Geolocation       float64 `yaml:"geolocation" json:"geolocation"`
	Speed             float64 `yaml:"speed" json:"speed"`
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.ConnectionSuccess + w.ResponseTime + w.AnonymityLevel +
		w.Stability + w.Geolocation + w.Speed
}

// ScoringProfile bundles weights, thresholds and timeouts for one
// validation style.
type ScoringProfile struct {
	Weights           Weights         `yaml:"weights" json:"weights"`
	MinScoreThreshold float64         `yaml:"min_score_threshold" json:"min_score_threshold"`
	Level             types.TestLevel `yaml:"level" json:"level"`
	Timeout           Duration        `yaml:"timeout" json:"timeout"`
}
