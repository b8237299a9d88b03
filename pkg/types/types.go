// pkg/types/types.go
package types

import (
	"fmt"
	"net"
	"time"
)

// Protocol identifies the proxy wire protocol.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Valid reports whether the protocol is one of the supported values.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	}
	return false
}

// Anonymity is the canonical four-valued anonymity tier.
type Anonymity string

const (
	AnonymityElite       Anonymity = "elite"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityUnknown     Anonymity = "unknown"
)

// TestLevel selects which validator subtests run.
type TestLevel string

const (
	TestLevelBasic         TestLevel = "basic"
	TestLevelStandard      TestLevel = "standard"
	TestLevelComprehensive TestLevel = "comprehensive"
)

// Valid reports whether the level is a known test level.
func (l TestLevel) Valid() bool {
	switch l {
	case TestLevelBasic, TestLevelStandard, TestLevelComprehensive:
		return true
	}
	return false
}

// Proxy is the canonical persisted proxy record. Identity is (IP, Port).
type Proxy struct {
	ID             int64             `json:"id"`
	IP             string            `json:"ip"`
	Port           int               `json:"port"`
	Protocol       Protocol          `json:"protocol"`
	Anonymity      Anonymity         `json:"anonymity"`
	Country        string            `json:"country,omitempty"`
	Region         string            `json:"region,omitempty"`
	City           string            `json:"city,omitempty"`
	Source         string            `json:"source,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	SuccessRate    float64           `json:"success_rate"`
	QualityScore   float64           `json:"quality_score"`
	IsActive       bool              `json:"is_active"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastChecked    time.Time         `json:"last_checked,omitempty"`
	LastSuccess    time.Time         `json:"last_success,omitempty"`
}

// Key returns the canonical "ip:port" identity of the proxy.
func (p *Proxy) Key() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// URL renders the proxy endpoint as a URL usable in http.Transport.Proxy.
func (p *Proxy) URL() string {
	scheme := string(p.Protocol)
	if scheme == "" {
		scheme = string(ProtocolHTTP)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.IP, p.Port)
}

// Validate checks the structural invariants of a proxy record.
func (p *Proxy) Validate() error {
	ip := net.ParseIP(p.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IPv4 address: %q", p.IP)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port out of range: %d", p.Port)
	}
	if p.Protocol != "" && !p.Protocol.Valid() {
		return fmt.Errorf("unknown protocol: %q", p.Protocol)
	}
	return nil
}

// ProxyData is the raw candidate shape every extractor normalizes to.
type ProxyData struct {
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Protocol    Protocol  `json:"protocol,omitempty"`
	Anonymity   Anonymity `json:"anonymity,omitempty"`
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
	Source      string    `json:"source"`
	SourceURL   string    `json:"source_url,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// ExtractResult is the outcome of one extractor run against one source.
type ExtractResult struct {
	Source   string                 `json:"source"`
	Proxies  []ProxyData            `json:"proxies"`
	Success  bool                   `json:"success"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SubResult is the structured outcome of a single validator subtest.
// A failed subtest carries OK=false and a zero score; the composite is
// computed from whatever subtests completed.
type SubResult struct {
	OK      bool                   `json:"ok"`
	Score   float64                `json:"score"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ValidationResult is the snapshot of one validation round for one proxy.
type ValidationResult struct {
	IP              string        `json:"ip"`
	Port            int           `json:"port"`
	Level           TestLevel     `json:"level"`
	Success         bool          `json:"success"`
	Connectivity    SubResult     `json:"connectivity"`
	Speed           SubResult     `json:"speed"`
	Geolocation     SubResult     `json:"geolocation"`
	AnonymityTest   SubResult     `json:"anonymity"`
	Stability       SubResult     `json:"stability"`
	AnonymityLevel  Anonymity     `json:"anonymity_level"`
	CompositeScore  float64       `json:"composite_score"`
	ResponseTimeMs  int64         `json:"response_time_ms"`
	Duration        time.Duration `json:"duration"`
	CheckedAt       time.Time     `json:"checked_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// CheckRecord is one row of a proxy's rolling validation history.
type CheckRecord struct {
	ID             int64     `json:"id"`
	ProxyID        int64     `json:"proxy_id"`
	IsSuccessful   bool      `json:"is_successful"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CompositeScore float64   `json:"composite_score"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CheckType      string    `json:"check_type"`
	TargetURL      string    `json:"target_url,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// CrawlLog is one row per (source, run).
type CrawlLog struct {
	ID           int64             `json:"id"`
	Source       string            `json:"source"`
	TotalFound   int               `json:"total_found"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CrawledAt    time.Time         `json:"crawled_at"`
}

// JobState is the lifecycle state of a validation job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is completed or failed.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ProxyRef identifies a proxy inside a validation job.
type ProxyRef struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol,omitempty"`
}

// ValidationJob is the scheduler unit of work.
type ValidationJob struct {
	ID              string     `json:"job_id"`
	Proxies         []ProxyRef `json:"proxies"`
	Level           TestLevel  `json:"level"`
	Priority        int        `json:"priority"`
	AutoRetryFailed bool       `json:"auto_retry_failed,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ScheduledAt     time.Time  `json:"scheduled_at,omitempty"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
	State           JobState   `json:"state"`
	Error           string     `json:"error,omitempty"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
}

// GeoInfo is the normalized response of a geo-IP provider lookup.
type GeoInfo struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp,omitempty"`
}
