// internal/extractor/api.go
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/pipeline"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// APIExtractor parses structured proxy lists: JSON documents or
// line-oriented "ip:port" text. Registered under the "api" shape.
type APIExtractor struct {
	cfg     config.SourceConfig
	fetcher *fetcher.Fetcher
	logger  utils.Logger
}

// NewAPIExtractor builds an API extractor.
func NewAPIExtractor(cfg config.SourceConfig, f *fetcher.Fetcher, logger utils.Logger) (Extractor, error) {
	if cfg.Format != "json" && cfg.Format != "plain" {
		return nil, fmt.Errorf("source %q: api format must be json or plain, got %q", cfg.Name, cfg.Format)
	}
	return &APIExtractor{
		cfg:     cfg,
		fetcher: f,
		logger:  logger.WithField("source", cfg.Name),
	}, nil
}

// Name returns the source name.
func (e *APIExtractor) Name() string { return e.cfg.Name }

// Extract fetches each page of the API and parses it. As with HTML
// sources, a page failure is tolerated when at least one page parsed.
func (e *APIExtractor) Extract(ctx context.Context) (*types.ExtractResult, error) {
	result := &types.ExtractResult{Source: e.cfg.Name}

	var (
		pagesParsed int
		pagesFailed int
		lastErr     error
	)

	pages := e.cfg.MaxPages
	if !strings.Contains(e.cfg.URL, pagePlaceholder) {
		pages = 1
	}

	for page := 1; page <= pages; page++ {
		pageURL := strings.ReplaceAll(e.cfg.URL, pagePlaceholder, strconv.Itoa(page))

		resp, err := e.fetcher.Fetch(ctx, pageURL, fetcher.Options{
			Source:        e.cfg.Name,
			RetryAttempts: e.cfg.RetryAttempts,
			ExtraDelay:    e.cfg.RateLimitDelay.Std(),
		})
		if err != nil {
			pagesFailed++
			lastErr = err
			e.logger.Warnf("page %d fetch failed: %v", page, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		var proxies []types.ProxyData
		switch e.cfg.Format {
		case "json":
			proxies, err = e.parseJSON(resp.Body, pageURL)
		default:
			proxies, err = e.parsePlain(resp.Body, pageURL)
		}
		if err != nil {
			pagesFailed++
			lastErr = err
			e.logger.Warnf("page %d parse failed: %v", page, err)
			continue
		}

		pagesParsed++
		result.Proxies = append(result.Proxies, proxies...)
	}

	result.Success = pagesParsed >= 1
	if !result.Success && lastErr != nil {
		result.Error = lastErr.Error()
	}

	result.Metadata = distribution(result.Proxies)
	result.Metadata["pages_parsed"] = pagesParsed
	result.Metadata["pages_failed"] = pagesFailed

	if !result.Success {
		return result, fmt.Errorf("source %q: no page parsed: %w", e.cfg.Name, lastErr)
	}
	return result, nil
}

// jsonProxyRow tolerates the field spellings seen across public proxy
// APIs. Port may arrive as a string or a number.
type jsonProxyRow struct {
	IP             string          `json:"ip"`
	Port           json.RawMessage `json:"port"`
	Protocols      []string        `json:"protocols"`
	Protocol       string          `json:"protocol"`
	AnonymityLevel string          `json:"anonymityLevel"`
	Anonymity      string          `json:"anonymity"`
	Country        string          `json:"country"`
	City           string          `json:"city"`
	LastChecked    int64           `json:"lastChecked"`
}

func (e *APIExtractor) parseJSON(body []byte, pageURL string) ([]types.ProxyData, error) {
	var rows []jsonProxyRow

	// Either a bare array or an envelope with a "data" array.
	if err := json.Unmarshal(body, &rows); err != nil {
		var envelope struct {
			Data []jsonProxyRow `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("unrecognized JSON shape: %w", err)
		}
		rows = envelope.Data
	}

	proxies := make([]types.ProxyData, 0, len(rows))
	for i, row := range rows {
		port := parseJSONPort(row.Port)
		if !pipeline.ValidIPv4(row.IP) || port == 0 {
			e.logger.Debugf("row %d skipped: invalid ip/port", i)
			continue
		}

		protocol := row.Protocol
		if protocol == "" && len(row.Protocols) > 0 {
			protocol = row.Protocols[0]
		}
		anonymity := row.AnonymityLevel
		if anonymity == "" {
			anonymity = row.Anonymity
		}

		data := types.ProxyData{
			IP:        row.IP,
			Port:      port,
			Protocol:  pipeline.NormalizeProtocol(protocol),
			Anonymity: pipeline.NormalizeAnonymity(anonymity),
			Country:   pipeline.ExtractCountryCode(row.Country),
			City:      row.City,
			Source:    e.cfg.Name,
			SourceURL: pageURL,
		}
		if row.LastChecked > 0 {
			data.LastChecked = time.Unix(row.LastChecked, 0).UTC()
		}
		proxies = append(proxies, data)
	}

	return proxies, nil
}

func parseJSONPort(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n >= 1 && n <= 65535 {
			return n
		}
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return pipeline.ParsePort(s)
	}
	return 0
}

// parsePlain handles "ip:port" per line, ignoring blanks and comments.
func (e *APIExtractor) parsePlain(body []byte, pageURL string) ([]types.ProxyData, error) {
	lines := strings.Split(string(body), "\n")
	proxies := make([]types.ProxyData, 0, len(lines))

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		host, portText, found := strings.Cut(line, ":")
		if !found {
			e.logger.Debugf("line %d skipped: no separator", i)
			continue
		}
		port := pipeline.ParsePort(portText)
		if !pipeline.ValidIPv4(host) || port == 0 {
			e.logger.Debugf("line %d skipped: invalid ip/port", i)
			continue
		}

		proxies = append(proxies, types.ProxyData{
			IP:        host,
			Port:      port,
			Protocol:  e.cfg.DefaultProtocol,
			Anonymity: types.AnonymityUnknown,
			Source:    e.cfg.Name,
			SourceURL: pageURL,
		})
	}

	if len(proxies) == 0 && len(lines) > 0 && strings.TrimSpace(string(body)) != "" {
		return nil, fmt.Errorf("no valid ip:port lines in %d-line response", len(lines))
	}
	return proxies, nil
}
