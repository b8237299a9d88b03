// internal/validator/anonymity.go
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// leakHeaders are the headers a proxy may use to forward the client
// address. Any of them carrying the real IP makes the proxy transparent;
// their mere presence downgrades elite to anonymous.
var leakHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"Forwarded",
	"Via",
	"X-Originating-IP",
	"X-Remote-IP",
	"X-Remote-Addr",
	"CF-Connecting-IP",
	"True-Client-IP",
}

// testAnonymity fetches the header-echo endpoint through the proxy and
// classifies what the target server would see.
func (v *Validator) testAnonymity(ctx context.Context, proxy *types.Proxy, proxyEgress string) (types.SubResult, types.Anonymity) {
	realIP, err := v.realEgressIP(ctx)
	if err != nil {
		return types.SubResult{
			Score: anonymityScore(types.AnonymityUnknown, 0),
			Error: err.Error(),
		}, types.AnonymityUnknown
	}

	seen, err := v.echoedHeaders(ctx, proxy)
	if err != nil {
		return types.SubResult{
			Score: anonymityScore(types.AnonymityUnknown, 0),
			Error: err.Error(),
		}, types.AnonymityUnknown
	}

	var leaking, present []string
	for _, name := range leakHeaders {
		value, ok := seen[http.CanonicalHeaderKey(name)]
		if !ok || value == "" {
			continue
		}
		present = append(present, name)
		if strings.Contains(value, realIP) {
			leaking = append(leaking, name)
		}
	}

	level := types.AnonymityElite
	switch {
	case proxyEgress == realIP || len(leaking) > 0:
		level = types.AnonymityTransparent
	case len(present) > 0:
		level = types.AnonymityAnonymous
	}

	details := map[string]interface{}{
		"proxy_headers":   present,
		"leaking_headers": leaking,
		"level":           string(level),
	}

	return types.SubResult{
		OK:      true,
		Score:   anonymityScore(level, len(present)),
		Details: details,
	}, level
}

// echoedHeaders returns the request headers the echo endpoint observed,
// canonicalized.
func (v *Validator) echoedHeaders(ctx context.Context, proxy *types.Proxy) (map[string]string, error) {
	client, err := v.proxyClient(proxy, v.probeTimeout())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.HeaderEchoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("header echo failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("header echo returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return nil, err
	}

	var reply struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.Headers == nil {
		return nil, fmt.Errorf("header echo returned an unusable body")
	}

	canonical := make(map[string]string, len(reply.Headers))
	for name, value := range reply.Headers {
		canonical[http.CanonicalHeaderKey(name)] = value
	}
	return canonical, nil
}

// anonymityScore maps a tier to its subscore. Anonymous proxies lose 10
// points per proxy-indicative header beyond the first, floored at 40 so
// a noisy-but-hiding proxy never scores below transparent.
func anonymityScore(level types.Anonymity, indicativeHeaders int) float64 {
	switch level {
	case types.AnonymityElite:
		return 100
	case types.AnonymityAnonymous:
		extra := indicativeHeaders - 1
		if extra < 0 {
			extra = 0
		}
		score := 80 - float64(extra)*10
		if score < 40 {
			return 40
		}
		return score
	case types.AnonymityTransparent:
		return 40
	default:
		return 50
	}
}
