// internal/validator/connectivity.go
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// echoReply is the body shape of the public IP-echo endpoints. httpbin
// answers {"origin": ...}, ipify {"ip": ...}.
type echoReply struct {
	IP     string `json:"ip"`
	Origin string `json:"origin"`
}

func (r echoReply) egress() string {
	if r.IP != "" {
		return r.IP
	}
	// httpbin may report "client, proxy"; the first hop is the egress.
	origin, _, _ := strings.Cut(r.Origin, ",")
	return strings.TrimSpace(origin)
}

// testConnectivity issues a GET to an echo endpoint through the proxy.
// Success requires HTTP 200 and a JSON body carrying ip/origin.
func (v *Validator) testConnectivity(ctx context.Context, proxy *types.Proxy) types.SubResult {
	client, err := v.proxyClient(proxy, v.probeTimeout())
	if err != nil {
		return types.SubResult{Error: err.Error()}
	}

	var lastErr string
	for _, echoURL := range v.cfg.EchoURLs {
		sub, retryable := v.connectOnce(ctx, client, echoURL)
		if sub.OK || !retryable {
			return sub
		}
		lastErr = sub.Error
		if ctx.Err() != nil {
			break
		}
	}
	return types.SubResult{Error: lastErr}
}

// connectOnce probes one echo endpoint. The second return reports whether
// trying another endpoint could still succeed.
func (v *Validator) connectOnce(ctx context.Context, client *http.Client, echoURL string) (types.SubResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return types.SubResult{Error: err.Error()}, false
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return types.SubResult{
			Error: fmt.Sprintf("%s: %v", classifyConnError(err), err),
			Details: map[string]interface{}{
				"endpoint":   echoURL,
				"error_kind": classifyConnError(err),
			},
		}, true
	}
	defer resp.Body.Close()

	details := map[string]interface{}{
		"endpoint":         echoURL,
		"status_code":      resp.StatusCode,
		"response_time_ms": elapsed.Milliseconds(),
	}

	if resp.StatusCode != http.StatusOK {
		details["error_kind"] = "bad-status"
		return types.SubResult{
			Error:   fmt.Sprintf("bad-status: echo endpoint returned %d", resp.StatusCode),
			Details: details,
		}, true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		details["error_kind"] = classifyConnError(err)
		return types.SubResult{Error: err.Error(), Details: details}, true
	}

	var reply echoReply
	if err := json.Unmarshal(body, &reply); err != nil || reply.egress() == "" {
		details["error_kind"] = "bad-body"
		return types.SubResult{
			Error:   "echo endpoint did not return a JSON ip/origin",
			Details: details,
		}, true
	}

	details["egress_ip"] = reply.egress()
	return types.SubResult{OK: true, Score: 100, Details: details}, false
}

// classifyConnError distinguishes timeouts from refused connections.
func classifyConnError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection-refused"
	}
	return "network-error"
}

// realEgressIP fetches this host's public IP without the proxy, cached
// briefly so repeated validations do not hammer the echo service.
func (v *Validator) realEgressIP(ctx context.Context) (string, error) {
	v.realIPMu.Lock()
	defer v.realIPMu.Unlock()

	if v.realIP != "" && time.Since(v.realIPSeen) < realIPCacheTTL {
		return v.realIP, nil
	}

	client := &http.Client{Timeout: v.probeTimeout()}
	var lastErr error
	for _, echoURL := range v.cfg.EchoURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("echo status %d: %v", resp.StatusCode, err)
			continue
		}
		var reply echoReply
		if err := json.Unmarshal(body, &reply); err != nil || reply.egress() == "" {
			lastErr = fmt.Errorf("unusable echo reply from %s", echoURL)
			continue
		}
		v.realIP = reply.egress()
		v.realIPSeen = time.Now()
		return v.realIP, nil
	}
	return "", fmt.Errorf("failed to determine real egress IP: %w", lastErr)
}
