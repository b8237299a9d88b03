// internal/config/profiles.go
package config

import (
	"time"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Bundled scoring profile names.
const (
	ProfileFastCheck             = "fast_check"
	ProfileStandardValidation    = "standard_validation"
	ProfileComprehensiveAnalysis = "comprehensive_analysis"
	ProfileSecurityFocused       = "security_focused"
	ProfilePerformanceOptimized  = "performance_optimized"
)

// defaultWeights are the reference composite weights.
var defaultWeights = Weights{
	ConnectionSuccess: 0.25,
	ResponseTime:      0.20,
	AnonymityLevel:    0.20,
	Stability:         0.15,
	Geolocation:       0.10,
	Speed:             0.10,
}

// BundledProfiles returns the built-in scoring profiles. Each profile's
// weights sum to one; Validate enforces this on load for user overrides too.
func BundledProfiles() map[string]ScoringProfile {
	return map[string]ScoringProfile{
		ProfileFastCheck: {
			Weights: Weights{
				ConnectionSuccess: 0.60,
				ResponseTime:      0.30,
				AnonymityLevel:    0.10,
			},
			MinScoreThreshold: 50,
			Level:             types.TestLevelBasic,
			Timeout:           Duration(10 * time.Second),
		},
		ProfileStandardValidation: {
			Weights:           defaultWeights,
			MinScoreThreshold: 60,
			Level:             types.TestLevelStandard,
			Timeout:           Duration(30 * time.Second),
		},
		ProfileComprehensiveAnalysis: {
			Weights: Weights{
				ConnectionSuccess: 0.20,
				ResponseTime:      0.15,
				AnonymityLevel:    0.25,
				Stability:         0.20,
				Geolocation:       0.10,
				Speed:             0.10,
			},
			MinScoreThreshold: 60,
			Level:             types.TestLevelComprehensive,
			Timeout:           Duration(60 * time.Second),
		},
		ProfileSecurityFocused: {
			Weights: Weights{
				ConnectionSuccess: 0.15,
				ResponseTime:      0.05,
				AnonymityLevel:    0.45,
				Stability:         0.15,
				Geolocation:       0.15,
				Speed:             0.05,
			},
			MinScoreThreshold: 70,
			Level:             types.TestLevelComprehensive,
			Timeout:           Duration(60 * time.Second),
		},
		ProfilePerformanceOptimized: {
			Weights: Weights{
				ConnectionSuccess: 0.25,
				ResponseTime:      0.30,
				AnonymityLevel:    0.05,
				Stability:         0.10,
				Geolocation:       0.05,
				Speed:             0.25,
			},
			MinScoreThreshold: 55,
			Level:             types.TestLevelStandard,
			Timeout:           Duration(30 * time.Second),
		},
	}
}

// DefaultSources returns the bundled extractor source configurations.
// Near-identical per-site extractors collapse into these records; the
// extractor shape is chosen by Type alone.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name: "free-proxy-list",
			Type: "html",
			URL:  "https://free-proxy-list.net/",
			Selectors: SelectorSet{
				Row:             "table.table tbody tr",
				IPCell:          "td:nth-child(1)",
				PortCell:        "td:nth-child(2)",
				CountryCell:     "td:nth-child(3)",
				AnonymityCell:   "td:nth-child(5)",
				ProtocolCell:    "td:nth-child(7)",
				LastCheckedCell: "td:nth-child(8)",
			},
			MaxPages: 1,
			Enabled:  true,
			Priority: 7,
		},
		{
			Name: "proxydb",
			Type: "html",
			URL:  "https://proxydb.net/?offset={page}",
			Selectors: SelectorSet{
				Row:           "table tbody tr",
				IPCell:        "td:nth-child(1) a",
				PortCell:      "td:nth-child(1) a",
				CountryCell:   "td:nth-child(3)",
				AnonymityCell: "td:nth-child(5)",
				ProtocolCell:  "td:nth-child(2)",
				NextPage:      "a.btn-next",
			},
			MaxPages: 3,
			Enabled:  true,
			Priority: 5,
		},
		{
			Name: "ip3366",
			Type: "html",
			URL:  "http://www.ip3366.net/free/?stype=1&page={page}",
			Selectors: SelectorSet{
				Row:             "#list table tbody tr",
				IPCell:          "td:nth-child(1)",
				PortCell:        "td:nth-child(2)",
				AnonymityCell:   "td:nth-child(3)",
				ProtocolCell:    "td:nth-child(4)",
				CountryCell:     "td:nth-child(5)",
				LastCheckedCell: "td:nth-child(7)",
			},
			MaxPages: 5,
			Enabled:  true,
			Priority: 4,
		},
		{
			Name:     "proxyscrape-api",
			Type:     "api",
			Format:   "plain",
			URL:      "https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=10000&country=all",
			MaxPages: 1,
			Enabled:  true,
			Priority: 6,
		},
		{
			Name:     "geonode-api",
			Type:     "api",
			Format:   "json",
			URL:      "https://proxylist.geonode.com/api/proxy-list?limit=100&page={page}&sort_by=lastChecked&sort_type=desc",
			MaxPages: 2,
			Enabled:  true,
			Priority: 6,
		},
	}
}
