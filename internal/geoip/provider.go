// internal/geoip/provider.go
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// ipPlaceholder is substituted with the queried address in provider URL
// templates.
const ipPlaceholder = "{ip}"

// Provider answers geo lookups for a single upstream service.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*types.GeoInfo, error)
}

// httpProvider queries one JSON geo-IP endpoint. The decode struct is
// tolerant of the field spellings used by ip-api.com and ipapi.co, so one
// provider type serves both shapes.
type httpProvider struct {
	name     string
	template string
	client   *http.Client
}

// NewHTTPProvider builds a provider from a URL template containing {ip}.
func NewHTTPProvider(template string, client *http.Client) (Provider, error) {
	if !strings.Contains(template, ipPlaceholder) {
		return nil, fmt.Errorf("geo provider template %q lacks %s placeholder", template, ipPlaceholder)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpProvider{
		name:     providerName(template),
		template: template,
		client:   client,
	}, nil
}

func providerName(template string) string {
	switch {
	case strings.Contains(template, "ip-api.com"):
		return "ip-api"
	case strings.Contains(template, "ipapi.co"):
		return "ipapi.co"
	default:
		return template
	}
}

func (p *httpProvider) Name() string { return p.name }

// geoResponse accepts both ip-api.com and ipapi.co field spellings.
type geoResponse struct {
	// ip-api.com
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`

	// ipapi.co
	IP           string  `json:"ip"`
	CountryName  string  `json:"country_name"`
	CountryCode2 string  `json:"country_code"`
	Region       string  `json:"region"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Org          string  `json:"org"`
	Failed       bool    `json:"error"`
	Reason       string  `json:"reason"`

	// shared
	City string `json:"city"`
}

func (p *httpProvider) Lookup(ctx context.Context, ip string) (*types.GeoInfo, error) {
	url := strings.ReplaceAll(p.template, ipPlaceholder, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s lookup failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, utils.NewError(utils.ErrCodeRateLimit, fmt.Sprintf("%s rate limited", p.name))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", p.name, err)
	}

	var raw geoResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}
	if raw.Status == "fail" {
		return nil, fmt.Errorf("%s lookup failed: %s", p.name, raw.Message)
	}
	if raw.Failed {
		return nil, fmt.Errorf("%s lookup failed: %s", p.name, raw.Reason)
	}

	info := normalize(ip, raw)
	if info.CountryCode == "" && info.Lat == 0 && info.Lon == 0 {
		return nil, fmt.Errorf("%s returned an empty record for %s", p.name, ip)
	}
	return info, nil
}

func normalize(ip string, raw geoResponse) *types.GeoInfo {
	info := &types.GeoInfo{
		IP:          firstNonEmpty(raw.Query, raw.IP, ip),
		Country:     firstNonEmpty(raw.Country, raw.CountryName),
		CountryCode: firstNonEmpty(raw.CountryCode, raw.CountryCode2),
		Region:      firstNonEmpty(raw.RegionName, raw.Region),
		City:        raw.City,
		ISP:         firstNonEmpty(raw.ISP, raw.Org),
	}
	if raw.Lat != 0 || raw.Lon != 0 {
		info.Lat, info.Lon = raw.Lat, raw.Lon
	} else {
		info.Lat, info.Lon = raw.Latitude, raw.Longitude
	}
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Chain tries providers in order until one answers.
type Chain struct {
	providers []Provider
	logger    utils.Logger
}

// NewChain builds a provider chain from URL templates.
func NewChain(templates []string, client *http.Client, logger utils.Logger) (*Chain, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("at least one geo provider is required")
	}
	providers := make([]Provider, 0, len(templates))
	for _, t := range templates {
		p, err := NewHTTPProvider(t, client)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return &Chain{providers: providers, logger: logger.WithField("component", "geoip")}, nil
}

// Lookup queries each provider in order, returning the first answer.
func (c *Chain) Lookup(ctx context.Context, ip string) (*types.GeoInfo, error) {
	var lastErr error
	for _, p := range c.providers {
		info, err := p.Lookup(ctx, ip)
		if err == nil {
			return info, nil
		}
		lastErr = err
		c.logger.WithField("provider", p.Name()).Debugf("lookup failed: %v", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all geo providers failed for %s: %w", ip, lastErr)
}
