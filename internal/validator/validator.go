// internal/validator/validator.go
package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/geoip"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// realIPCacheTTL bounds how long the validator trusts its own egress IP
// before re-checking.
const realIPCacheTTL = 5 * time.Minute

// HistoryProvider supplies a proxy's bounded validation history for the
// stability subtest. The store implements it.
type HistoryProvider interface {
	RecentResults(ctx context.Context, ip string, port int, limit int, window time.Duration) ([]types.CheckRecord, error)
}

// Validator runs the per-proxy test battery. One instance is shared by
// all scheduler workers; it holds no per-proxy state.
type Validator struct {
	cfg      config.ValidatorConfig
	resolver *geoip.Resolver
	history  HistoryProvider
	logger   utils.Logger

	realIPMu   sync.Mutex
	realIP     string
	realIPSeen time.Time
}

// New builds a validator. resolver and history may be nil; the geolocation
// and stability subtests then report failure instead of panicking.
func New(cfg config.ValidatorConfig, resolver *geoip.Resolver, history HistoryProvider, logger utils.Logger) *Validator {
	return &Validator{
		cfg:      cfg,
		resolver: resolver,
		history:  history,
		logger:   logger.WithField("component", "validator"),
	}
}

// Validate runs the subtests selected by level and assembles the result.
// It never panics; a failing subtest contributes ok=false and a zero
// score, and the composite is computed from whatever completed.
func (v *Validator) Validate(ctx context.Context, proxy *types.Proxy, level types.TestLevel) *types.ValidationResult {
	if !level.Valid() {
		level = types.TestLevelStandard
	}

	start := time.Now()
	result := &types.ValidationResult{
		IP:        proxy.IP,
		Port:      proxy.Port,
		Level:     level,
		CheckedAt: start.UTC(),
	}

	timeout := v.cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result.Connectivity = v.guard("connectivity", func() types.SubResult {
		return v.testConnectivity(ctx, proxy)
	})
	result.Success = result.Connectivity.OK
	if ms, ok := result.Connectivity.Details["response_time_ms"].(int64); ok {
		result.ResponseTimeMs = ms
	}
	proxyEgress, _ := result.Connectivity.Details["egress_ip"].(string)

	if level == types.TestLevelStandard || level == types.TestLevelComprehensive {
		result.Speed = v.guard("speed", func() types.SubResult {
			return v.testSpeed(ctx, proxy)
		})
		result.Geolocation = v.guard("geolocation", func() types.SubResult {
			return v.testGeolocation(ctx, proxy, proxyEgress)
		})
		result.Stability = v.guard("stability", func() types.SubResult {
			return v.testStability(ctx, proxy)
		})
	} else {
		result.Speed = skipped()
		result.Geolocation = skipped()
		result.Stability = skipped()
	}

	if level == types.TestLevelComprehensive {
		var detected types.Anonymity
		result.AnonymityTest, detected = v.runAnonymity(ctx, proxy, proxyEgress)
		result.AnonymityLevel = detected
	} else {
		// Without the leakage test, trust what the source advertised.
		result.AnonymityTest = skippedAnonymity(proxy.Anonymity)
		result.AnonymityLevel = proxy.Anonymity
		if result.AnonymityLevel == "" {
			result.AnonymityLevel = types.AnonymityUnknown
		}
	}

	result.Recommendations = recommend(result)
	result.CompletedAt = time.Now().UTC()
	result.Duration = time.Since(start)
	return result
}

// guard converts a subtest panic into a failed SubResult.
func (v *Validator) guard(name string, fn func() types.SubResult) (sub types.SubResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Errorf("subtest %s panicked: %v", name, r)
			sub = types.SubResult{OK: false, Score: 0, Error: fmt.Sprintf("subtest panic: %v", r)}
		}
	}()
	return fn()
}

func (v *Validator) runAnonymity(ctx context.Context, proxy *types.Proxy, proxyEgress string) (types.SubResult, types.Anonymity) {
	var detected types.Anonymity = types.AnonymityUnknown
	sub := v.guard("anonymity", func() types.SubResult {
		s, level := v.testAnonymity(ctx, proxy, proxyEgress)
		detected = level
		return s
	})
	return sub, detected
}

// skipped marks a subtest that the requested level does not run. The
// neutral score keeps skipped dimensions from dragging the composite.
func skipped() types.SubResult {
	return types.SubResult{
		OK:      true,
		Score:   50,
		Details: map[string]interface{}{"skipped": true},
	}
}

func skippedAnonymity(known types.Anonymity) types.SubResult {
	return types.SubResult{
		OK:      true,
		Score:   anonymityScore(known, 0),
		Details: map[string]interface{}{"skipped": true, "advertised": string(known)},
	}
}

// proxyClient builds an HTTP client routed through the proxy. TLS
// verification is disabled because most open proxies intercept HTTPS.
func (v *Validator) proxyClient(proxy *types.Proxy, timeout time.Duration) (*http.Client, error) {
	parsed, err := url.Parse(proxy.URL())
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint: %w", err)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(parsed),
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives:   true,
			MaxIdleConnsPerHost: 1,
		},
	}, nil
}

func (v *Validator) probeTimeout() time.Duration {
	if t := v.cfg.ProbeTimeout.Std(); t > 0 {
		return t
	}
	return 10 * time.Second
}

// recommend derives human-readable advice from the finished result.
func recommend(r *types.ValidationResult) []string {
	var recs []string
	if !r.Connectivity.OK {
		recs = append(recs, "proxy is unreachable; remove or retry later")
		return recs
	}
	if r.AnonymityLevel == types.AnonymityTransparent {
		recs = append(recs, "proxy reveals the client address; unsuitable for anonymity-sensitive use")
	}
	if r.ResponseTimeMs > 5000 {
		recs = append(recs, "very high latency; suitable only for background jobs")
	} else if r.ResponseTimeMs > 2000 {
		recs = append(recs, "high latency; prefer faster proxies for interactive use")
	}
	if r.Stability.OK && !isSkipped(r.Stability) && r.Stability.Score < 50 {
		recs = append(recs, "unstable history; expect intermittent failures")
	}
	if r.Geolocation.OK && !isSkipped(r.Geolocation) {
		if risk, ok := r.Geolocation.Details["risk_level"].(string); ok && risk == "high" {
			recs = append(recs, "egress location far from advertised region; verify before geo-sensitive use")
		}
	}
	return recs
}

func isSkipped(s types.SubResult) bool {
	skipped, ok := s.Details["skipped"].(bool)
	return ok && skipped
}
