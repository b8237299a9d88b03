// internal/validator/stability.go
package validator

import (
	"context"
	"math"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// neutralStability is the prior for proxies with no history yet.
const neutralStability = 70

// testStability scores consistency from the proxy's bounded check history.
// The blend is 0.4 success rate, 0.3 RTT stability, 0.3 score consistency.
func (v *Validator) testStability(ctx context.Context, proxy *types.Proxy) types.SubResult {
	if v.history == nil {
		return types.SubResult{Error: "history provider not configured"}
	}

	limit := v.cfg.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	records, err := v.history.RecentResults(ctx, proxy.IP, proxy.Port, limit, v.cfg.HistoryWindow.Std())
	if err != nil {
		return types.SubResult{Error: err.Error()}
	}

	if len(records) == 0 {
		return types.SubResult{
			OK:    true,
			Score: neutralStability,
			Details: map[string]interface{}{
				"samples": 0,
				"neutral": true,
			},
		}
	}

	successRate := successRate(records)
	rttStability := rttStability(records)
	consistency := scoreConsistency(records)

	score := 0.4*successRate + 0.3*rttStability + 0.3*consistency

	return types.SubResult{
		OK:    true,
		Score: score,
		Details: map[string]interface{}{
			"samples":           len(records),
			"success_rate":      successRate,
			"rtt_stability":     rttStability,
			"score_consistency": consistency,
		},
	}
}

// successRate maps the fraction of successful checks to [0,100].
func successRate(records []types.CheckRecord) float64 {
	var ok int
	for _, r := range records {
		if r.IsSuccessful {
			ok++
		}
	}
	return float64(ok) / float64(len(records)) * 100
}

// rttStability rewards a low coefficient of variation over successful
// response times. One or zero samples give the neutral prior.
func rttStability(records []types.CheckRecord) float64 {
	var rtts []float64
	for _, r := range records {
		if r.IsSuccessful && r.ResponseTimeMs > 0 {
			rtts = append(rtts, float64(r.ResponseTimeMs))
		}
	}
	if len(rtts) < 2 {
		return neutralStability
	}
	mean, stdev := meanStdev(rtts)
	if mean <= 0 {
		return neutralStability
	}
	cv := stdev / mean
	return clamp01(1-cv) * 100
}

// scoreConsistency rewards a low spread of historical composite scores.
// A stdev of 25 points or more scores zero.
func scoreConsistency(records []types.CheckRecord) float64 {
	var scores []float64
	for _, r := range records {
		scores = append(scores, r.CompositeScore)
	}
	if len(scores) < 2 {
		return neutralStability
	}
	_, stdev := meanStdev(scores)
	return clamp01(1-stdev/25) * 100
}

func meanStdev(values []float64) (mean, stdev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
