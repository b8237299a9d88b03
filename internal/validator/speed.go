// internal/validator/speed.go
package validator

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// RTT grading thresholds in milliseconds, bandwidth in bytes/second.
const (
	rttExcellentMs = 1000
	rttGoodMs      = 2000
	rttFairMs      = 5000

	bwExcellent = 1 << 20 // 1 MiB/s
	bwGood      = 512 << 10
	bwFair      = 256 << 10
)

// testSpeed measures response time over the lightweight probe URLs and
// bandwidth against the large-body endpoint, capped at download_test_size.
func (v *Validator) testSpeed(ctx context.Context, proxy *types.Proxy) types.SubResult {
	client, err := v.proxyClient(proxy, v.probeTimeout())
	if err != nil {
		return types.SubResult{Error: err.Error()}
	}

	rtts := v.probeRTTs(ctx, client)
	if len(rtts) == 0 {
		return types.SubResult{Error: "all speed probes failed"}
	}

	min, mean, max := rttStats(rtts)
	details := map[string]interface{}{
		"rtt_min_ms":  min.Milliseconds(),
		"rtt_mean_ms": mean.Milliseconds(),
		"rtt_max_ms":  max.Milliseconds(),
		"rtt_samples": len(rtts),
		"rtt_grade":   rttGrade(mean.Milliseconds()),
		"rtt_score":   scoreRTT(mean.Milliseconds()),
	}

	score := scoreRTT(mean.Milliseconds())

	bps, downloaded, err := v.measureBandwidth(ctx, client)
	if err != nil {
		details["bandwidth_error"] = err.Error()
	} else {
		details["bandwidth_bps"] = bps
		details["bandwidth_bytes"] = downloaded
		details["bandwidth_grade"] = bandwidthGrade(bps)
		// Bandwidth and RTT contribute equally when both measured.
		score = (score + scoreBandwidth(bps)) / 2
	}

	return types.SubResult{OK: true, Score: score, Details: details}
}

// probeRTTs hits each lightweight URL once and keeps the successes.
func (v *Validator) probeRTTs(ctx context.Context, client *http.Client) []time.Duration {
	var rtts []time.Duration
	for _, probeURL := range v.cfg.SpeedURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			continue
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode < 400 {
			rtts = append(rtts, time.Since(start))
		}
	}
	return rtts
}

// measureBandwidth downloads up to download_test_size bytes and reports
// bytes per second.
func (v *Validator) measureBandwidth(ctx context.Context, client *http.Client) (float64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.DownloadURL, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	downloaded, err := io.Copy(io.Discard, io.LimitReader(resp.Body, v.cfg.DownloadTestSize))
	elapsed := time.Since(start)
	if err != nil && downloaded == 0 {
		return 0, 0, err
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(downloaded) / elapsed.Seconds(), downloaded, nil
}

func rttStats(rtts []time.Duration) (min, mean, max time.Duration) {
	min, max = rtts[0], rtts[0]
	var total time.Duration
	for _, r := range rtts {
		total += r
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
	}
	return min, total / time.Duration(len(rtts)), max
}

func rttGrade(meanMs int64) string {
	switch {
	case meanMs < rttExcellentMs:
		return "excellent"
	case meanMs < rttGoodMs:
		return "good"
	case meanMs < rttFairMs:
		return "fair"
	default:
		return "poor"
	}
}

func scoreRTT(meanMs int64) float64 {
	switch {
	case meanMs < rttExcellentMs:
		return 100
	case meanMs < rttGoodMs:
		return 75
	case meanMs < rttFairMs:
		return 50
	default:
		return 25
	}
}

func bandwidthGrade(bps float64) string {
	switch {
	case bps > bwExcellent:
		return "excellent"
	case bps > bwGood:
		return "good"
	case bps > bwFair:
		return "fair"
	default:
		return "poor"
	}
}

func scoreBandwidth(bps float64) float64 {
	switch {
	case bps > bwExcellent:
		return 100
	case bps > bwGood:
		return 75
	case bps > bwFair:
		return 50
	default:
		return 25
	}
}
