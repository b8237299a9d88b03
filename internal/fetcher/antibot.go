// internal/fetcher/antibot.go
package fetcher

import (
	"net/http"
	"net/url"
	"strings"
)

// Detection classifies an anti-scraping response. Callers decide how to
// react; the detector only tags.
type Detection int

const (
	DetectionNone Detection = iota
	DetectionRateLimited
	DetectionCaptcha
	DetectionCloudflare
	DetectionBlocked
	DetectionSoftRedirect
)

// String returns a readable tag for logs and error messages.
func (d Detection) String() string {
	switch d {
	case DetectionNone:
		return "none"
	case DetectionRateLimited:
		return "rate-limited"
	case DetectionCaptcha:
		return "captcha"
	case DetectionCloudflare:
		return "cloudflare-challenge"
	case DetectionBlocked:
		return "blocked"
	case DetectionSoftRedirect:
		return "soft-redirect"
	default:
		return "unknown"
	}
}

var (
	rateLimitMarkers = []string{
		"rate limit", "too many requests", "429", "slow down", "retry-after",
	}
	captchaMarkers = []string{
		"captcha", "g-recaptcha", "h-captcha", "arkoselabs", "funcaptcha",
	}
	cloudflareMarkers = []string{
		"checking your browser", "cf-browser-verification", "just a moment",
		"cf_chl_", "attention required! | cloudflare",
	}
	blockMarkers = []string{
		"access denied", "you have been blocked", "ip has been banned",
		"forbidden", "your request was blocked",
	}
	softRedirectPaths = []string{
		"/login", "/signin", "/challenge", "/verify", "/captcha", "/blocked",
	}
)

// AntiBotDetector inspects responses for anti-scraping countermeasures.
type AntiBotDetector struct{}

// NewAntiBotDetector constructs a detector.
func NewAntiBotDetector() *AntiBotDetector { return &AntiBotDetector{} }

// Inspect classifies a response. requestedURL is the URL the caller asked
// for; finalURL is where the response actually came from after redirects.
func (d *AntiBotDetector) Inspect(statusCode int, header http.Header, body []byte, requestedURL, finalURL string) Detection {
	if statusCode == http.StatusTooManyRequests {
		return DetectionRateLimited
	}

	lower := strings.ToLower(string(body))

	// Cloudflare and captcha pages frequently come back as 403/503 with a
	// challenge body. Check the narrower signatures before generic blocks.
	if containsAny(lower, cloudflareMarkers) || header.Get("CF-Mitigated") != "" {
		return DetectionCloudflare
	}
	if containsAny(lower, captchaMarkers) {
		return DetectionCaptcha
	}
	if containsAny(lower, rateLimitMarkers) {
		return DetectionRateLimited
	}
	if statusCode == http.StatusForbidden || containsAny(lower, blockMarkers) {
		return DetectionBlocked
	}
	if redirectedAway(requestedURL, finalURL) {
		return DetectionSoftRedirect
	}

	return DetectionNone
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// redirectedAway reports whether the final URL landed on a login, verify
// or challenge page different from what was requested.
func redirectedAway(requested, final string) bool {
	if final == "" || requested == final {
		return false
	}
	fu, err := url.Parse(final)
	if err != nil {
		return false
	}
	path := strings.ToLower(fu.Path)
	for _, marker := range softRedirectPaths {
		if strings.HasPrefix(path, marker) {
			return true
		}
	}
	return false
}
