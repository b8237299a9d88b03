// internal/scoring/scorer.go
package scoring

import (
	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Response-time grading thresholds (milliseconds), shared with the
// validator's speed subtest.
const (
	rttExcellentMs = 1000
	rttGoodMs      = 2000
	rttFairMs      = 5000
)

// commonPorts are the well-known proxy ports that earn a small bonus:
// they indicate a deliberately operated service.
var commonPorts = map[int]bool{
	80:   true,
	8080: true,
	3128: true,
	8081: true,
	9090: true,
}

// Breakdown carries the per-dimension subscores that fed a composite.
type Breakdown struct {
	ConnectionSuccess float64 `json:"connection_success"`
	ResponseTime      float64 `json:"response_time"`
	AnonymityLevel    float64 `json:"anonymity_level"`
	Stability         float64 `json:"stability"`
	Geolocation       float64 `json:"geolocation"`
	Speed             float64 `json:"speed"`
	Bonus             float64 `json:"bonus"`
	Composite         float64 `json:"composite"`
	IsActive          bool    `json:"is_active"`
}

// Scorer folds validation results into composite quality scores.
type Scorer struct {
	profile config.ScoringProfile
}

// New builds a scorer for one profile.
func New(profile config.ScoringProfile) *Scorer {
	return &Scorer{profile: profile}
}

// Score computes the weighted composite for one validation round and
// stamps it onto the result. Failed subtests contribute their zero
// scores; the weights are not renormalized.
func (s *Scorer) Score(result *types.ValidationResult, proxy *types.Proxy) Breakdown {
	w := s.profile.Weights

	b := Breakdown{
		ConnectionSuccess: connectionScore(result),
		ResponseTime:      responseTimeScore(result),
		AnonymityLevel:    result.AnonymityTest.Score,
		Stability:         result.Stability.Score,
		Geolocation:       result.Geolocation.Score,
		Speed:             result.Speed.Score,
	}

	composite := w.ConnectionSuccess*b.ConnectionSuccess +
		w.ResponseTime*b.ResponseTime +
		w.AnonymityLevel*b.AnonymityLevel +
		w.Stability*b.Stability +
		w.Geolocation*b.Geolocation +
		w.Speed*b.Speed

	b.Bonus = bonus(result, proxy)
	composite += b.Bonus

	b.Composite = clamp(composite, 0, 100)
	b.IsActive = b.Composite >= s.threshold()

	result.CompositeScore = b.Composite
	return b
}

// Threshold returns the active-cutoff score for this profile.
func (s *Scorer) threshold() float64 {
	if s.profile.MinScoreThreshold > 0 {
		return s.profile.MinScoreThreshold
	}
	return 60
}

func connectionScore(result *types.ValidationResult) float64 {
	if result.Connectivity.OK {
		return 100
	}
	return 0
}

// responseTimeScore prefers the speed subtest's RTT measurement and falls
// back to the connectivity wall-clock time.
func responseTimeScore(result *types.ValidationResult) float64 {
	if rtt, ok := result.Speed.Details["rtt_score"].(float64); ok {
		return rtt
	}
	if !result.Connectivity.OK {
		return 0
	}
	switch ms := result.ResponseTimeMs; {
	case ms < rttExcellentMs:
		return 100
	case ms < rttGoodMs:
		return 75
	case ms < rttFairMs:
		return 50
	default:
		return 25
	}
}

// bonus applies the fixed adjustments: elite anonymity, stronger
// protocols, and a well-known service port.
func bonus(result *types.ValidationResult, proxy *types.Proxy) float64 {
	var total float64
	if result.AnonymityLevel == types.AnonymityElite {
		total += 5
	}
	switch proxy.Protocol {
	case types.ProtocolSOCKS5:
		total += 3
	case types.ProtocolHTTPS:
		total += 2
	}
	if commonPorts[proxy.Port] {
		total += 2
	}
	return total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
