// internal/extractor/html.go
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/pipeline"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// pagePlaceholder is substituted with the page number in URL templates.
const pagePlaceholder = "{page}"

// HTMLTableExtractor walks a deterministic table selector set and iterates
// pagination up to max_pages. One parameterized extractor serves every
// HTML source; per-site differences live entirely in SourceConfig.
type HTMLTableExtractor struct {
	cfg     config.SourceConfig
	fetcher *fetcher.Fetcher
	logger  utils.Logger
	now     func() time.Time
}

// NewHTMLTableExtractor builds an HTML table extractor. It is registered
// under the "html" shape.
func NewHTMLTableExtractor(cfg config.SourceConfig, f *fetcher.Fetcher, logger utils.Logger) (Extractor, error) {
	if cfg.Selectors.Row == "" || cfg.Selectors.IPCell == "" || cfg.Selectors.PortCell == "" {
		return nil, fmt.Errorf("source %q: row, ip_cell and port_cell selectors are required", cfg.Name)
	}
	return &HTMLTableExtractor{
		cfg:     cfg,
		fetcher: f,
		logger:  logger.WithField("source", cfg.Name),
		now:     time.Now,
	}, nil
}

// Name returns the source name.
func (e *HTMLTableExtractor) Name() string { return e.cfg.Name }

// Extract fetches and parses up to max_pages pages. A page that fails to
// fetch or parse is logged and skipped; the run succeeds when at least one
// page parsed.
func (e *HTMLTableExtractor) Extract(ctx context.Context) (*types.ExtractResult, error) {
	result := &types.ExtractResult{Source: e.cfg.Name}

	var (
		pagesParsed int
		pagesFailed int
		lastErr     error
		nextPageURL string
	)

	for page := 1; page <= e.cfg.MaxPages; page++ {
		pageURL, ok := e.pageURL(page, nextPageURL)
		if !ok {
			break
		}

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

		proxies, next, err := e.parsePage(resp.Body, pageURL)
		if err != nil {
			pagesFailed++
			lastErr = err
			e.logger.Warnf("page %d parse failed: %v", page, err)
			continue
		}

		pagesParsed++
		nextPageURL = next
		result.Proxies = append(result.Proxies, proxies...)

		// Without a page template or a next link there is nothing to paginate.
		if !strings.Contains(e.cfg.URL, pagePlaceholder) && next == "" {
			break
		}
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

// pageURL resolves the URL for the given page number, preferring the
// template placeholder and falling back to the next-page link.
func (e *HTMLTableExtractor) pageURL(page int, nextPageURL string) (string, bool) {
	if strings.Contains(e.cfg.URL, pagePlaceholder) {
		return strings.ReplaceAll(e.cfg.URL, pagePlaceholder, fmt.Sprintf("%d", page)), true
	}
	if page == 1 {
		return e.cfg.URL, true
	}
	if nextPageURL != "" {
		return nextPageURL, true
	}
	return "", false
}

// parsePage extracts proxy rows and the next-page link from one document.
func (e *HTMLTableExtractor) parsePage(body []byte, pageURL string) ([]types.ProxyData, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	sel := e.cfg.Selectors
	var proxies []types.ProxyData

	doc.Find(sel.Row).Each(func(i int, row *goquery.Selection) {
		data, ok := e.parseRow(row)
		if !ok {
			e.logger.Debugf("row %d skipped: no valid ip:port", i)
			return
		}
		data.SourceURL = pageURL
		proxies = append(proxies, data)
	})

	next := ""
	if sel.NextPage != "" {
		if href, ok := doc.Find(sel.NextPage).First().Attr("href"); ok {
			next = absoluteURL(pageURL, href)
		}
	}

	return proxies, next, nil
}

func (e *HTMLTableExtractor) parseRow(row *goquery.Selection) (types.ProxyData, bool) {
	sel := e.cfg.Selectors

	ipText := pipeline.StripHTML(textOf(row, sel.IPCell))
	ip := pipeline.FindIPv4(ipText)
	if ip == "" {
		return types.ProxyData{}, false
	}

	var port int
	if sel.PortCell == sel.IPCell {
		// Combined "ip:port" cell.
		if idx := strings.LastIndex(ipText, ":"); idx > 0 {
			port = pipeline.ParsePort(ipText[idx+1:])
		}
	} else {
		port = pipeline.ParsePort(pipeline.StripHTML(textOf(row, sel.PortCell)))
	}
	if port == 0 {
		return types.ProxyData{}, false
	}

	data := types.ProxyData{
		IP:       ip,
		Port:     port,
		Source:   e.cfg.Name,
		Protocol: e.cfg.DefaultProtocol,
	}

	if sel.ProtocolCell != "" {
		if text := pipeline.StripHTML(textOf(row, sel.ProtocolCell)); text != "" {
			data.Protocol = pipeline.NormalizeProtocol(text)
		}
	}
	if sel.AnonymityCell != "" {
		data.Anonymity = pipeline.NormalizeAnonymity(pipeline.StripHTML(textOf(row, sel.AnonymityCell)))
	}
	if sel.CountryCell != "" {
		data.Country = pipeline.ExtractCountryCode(textOf(row, sel.CountryCell))
	}
	if sel.LastCheckedCell != "" {
		data.LastChecked = pipeline.ParseRelativeTime(textOf(row, sel.LastCheckedCell), e.now())
	}

	return data, true
}

func textOf(row *goquery.Selection, selector string) string {
	return strings.TrimSpace(row.Find(selector).First().Text())
}

// absoluteURL resolves href against the page it appeared on.
func absoluteURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
