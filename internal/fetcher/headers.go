// internal/fetcher/headers.go
package fetcher

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
)

// headerBundle is one coherent set of browser headers. Mixing fields from
// different browsers is a fingerprinting signal, so bundles are picked whole.
type headerBundle struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	SecChUA        string
	SecFetchSite   string
	SecFetchMode   string
	SecFetchDest   string
}

var defaultBundles = []headerBundle{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
		SecChUA:        `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecFetchSite:   "none",
		SecFetchMode:   "navigate",
		SecFetchDest:   "document",
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
		AcceptLanguage: "en-GB,en;q=0.9",
		SecChUA:        `"Not/A)Brand";v="8", "Chromium";v="125", "Google Chrome";v="125"`,
		SecFetchSite:   "same-origin",
		SecFetchMode:   "navigate",
		SecFetchDest:   "document",
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.5",
		SecFetchSite:   "none",
		SecFetchMode:   "navigate",
		SecFetchDest:   "document",
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
		SecFetchSite:   "none",
		SecFetchMode:   "navigate",
		SecFetchDest:   "document",
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9,de;q=0.8",
		SecChUA:        `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecFetchSite:   "none",
		SecFetchMode:   "navigate",
		SecFetchDest:   "document",
	},
}

var commonReferers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://search.yahoo.com/",
}

// HeaderPool hands out randomized browser header sets with probabilistic
// Referer and synthetic X-Forwarded-For injection.
type HeaderPool struct {
	bundles            []headerBundle
	refererChance      float64
	forwardedForChance float64
	rng                *rand.Rand
	mu                 sync.Mutex
}

// NewHeaderPool builds a pool over the default bundles.
func NewHeaderPool(refererChance, forwardedForChance float64, seed int64) *HeaderPool {
	return &HeaderPool{
		bundles:            defaultBundles,
		refererChance:      refererChance,
		forwardedForChance: forwardedForChance,
		rng:                rand.New(rand.NewSource(seed)),
	}
}

// Pick assembles a fresh header set for one request.
func (p *HeaderPool) Pick() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.bundles[p.rng.Intn(len(p.bundles))]

	h := make(http.Header)
	h.Set("User-Agent", b.UserAgent)
	h.Set("Accept", b.Accept)
	h.Set("Accept-Language", b.AcceptLanguage)
	// Accept-Encoding stays unset: a caller-provided value makes the
	// transport hand back the body still compressed. Left alone, the
	// transport negotiates gzip and decompresses transparently.
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Site", b.SecFetchSite)
	h.Set("Sec-Fetch-Mode", b.SecFetchMode)
	h.Set("Sec-Fetch-Dest", b.SecFetchDest)
	if b.SecChUA != "" {
		h.Set("Sec-Ch-UA", b.SecChUA)
		h.Set("Sec-Ch-UA-Mobile", "?0")
	}

	if p.rng.Float64() < p.refererChance {
		h.Set("Referer", commonReferers[p.rng.Intn(len(commonReferers))])
	}
	if p.rng.Float64() < p.forwardedForChance {
		h.Set("X-Forwarded-For", p.randomPublicIP())
	}

	return h
}

// randomPublicIP synthesizes a plausible public IPv4. First octet avoids
// reserved ranges.
func (p *HeaderPool) randomPublicIP() string {
	firstOctets := []int{23, 34, 45, 52, 64, 72, 81, 93, 104, 142, 173, 185, 203}
	return fmt.Sprintf("%d.%d.%d.%d",
		firstOctets[p.rng.Intn(len(firstOctets))],
		p.rng.Intn(254)+1, p.rng.Intn(254)+1, p.rng.Intn(254)+1)
}
