// internal/fetcher/fetcher.go
package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
)

// maxBodyBytes caps how much of a response body the fetcher reads.
const maxBodyBytes = 4 << 20

// Classification tags the terminal failure mode of a fetch.
type Classification int

const (
	ClassNone Classification = iota
	ClassTimeout
	ClassConnectionRefused
	ClassBlocked
	ClassCaptcha
	ClassRateLimited
	ClassParseError
	ClassServerError
)

// String returns a readable tag.
func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTimeout:
		return "timeout"
	case ClassConnectionRefused:
		return "connection-refused"
	case ClassBlocked:
		return "blocked"
	case ClassCaptcha:
		return "captcha"
	case ClassRateLimited:
		return "rate-limited"
	case ClassParseError:
		return "parse-error"
	case ClassServerError:
		return "server-error"
	default:
		return "unknown"
	}
}

// FetchError is the terminal error of a fetch, carrying the last
// classification observed across all attempts.
type FetchError struct {
	Classification Classification
	Attempts       int
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts (%s): %v", e.Attempts, e.Classification, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options carries per-request knobs.
type Options struct {
	Source        string        // source tag for backoff accounting
	Timeout       time.Duration // overrides the configured default when > 0
	ProxyURL      string        // route the request through this proxy
	Headers       http.Header   // extra headers merged over the pooled bundle
	NoDelay       bool          // skip the inter-request backoff delay
	RetryAttempts int           // overrides the configured retry budget when > 0
	ExtraDelay    time.Duration // added on top of the per-source backoff delay
}

// Response is the outcome of a successful fetch.
type Response struct {
	Body         []byte
	StatusCode   int
	Header       http.Header
	ResponseTime time.Duration
	FinalURL     string
	Detection    Detection
}

// Fetcher issues outbound HTTP with rotating headers, adaptive backoff and
// anti-bot awareness. It is stateless aside from the per-source backoff
// counters; one instance is shared by all extractors.
type Fetcher struct {
	cfg      config.FetcherConfig
	headers  *HeaderPool
	backoff  *BackoffController
	detector *AntiBotDetector
	logger   utils.Logger
	sem      chan struct{}

	// session state: cookie jar swapped out on rotation
	jarMu sync.Mutex
	jar   http.CookieJar
}

// New builds a fetcher from configuration.
func New(cfg config.FetcherConfig, logger utils.Logger) *Fetcher {
	seed := time.Now().UnixNano()
	jar, _ := cookiejar.New(nil)
	return &Fetcher{
		cfg:      cfg,
		headers:  NewHeaderPool(cfg.RefererChance, cfg.ForwardedForChance, seed),
		backoff:  NewBackoffController(cfg.MinDelay.Std(), cfg.MaxDelay.Std(), seed+1),
		detector: NewAntiBotDetector(),
		logger:   logger.WithField("component", "fetcher"),
		sem:      make(chan struct{}, cfg.MaxConcurrentRequests),
		jar:      jar,
	}
}

// Backoff exposes the backoff controller so extractors can draw their
// inter-page delays from the same policy.
func (f *Fetcher) Backoff() *BackoffController { return f.backoff }

// Fetch issues a GET with retry. On terminal failure the returned error is
// a *FetchError carrying the last classification.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, &FetchError{Classification: ClassTimeout, Err: ctx.Err()}
	}

	var (
		lastClass = ClassNone
		lastErr   error
		failures  int
	)

	attempts := f.cfg.RetryAttempts
	if opts.RetryAttempts > 0 {
		attempts = opts.RetryAttempts
	}
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			// Exponential retry backoff on top of the per-source delay.
			wait := f.cfg.MinDelay.Std() << uint(attempt-1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, &FetchError{Classification: ClassTimeout, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		if !opts.NoDelay && (opts.Source != "" || opts.ExtraDelay > 0) {
			delay := opts.ExtraDelay
			if opts.Source != "" {
				delay += f.backoff.Delay(opts.Source)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &FetchError{Classification: ClassTimeout, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		resp, class, err := f.doOnce(ctx, rawURL, opts)
		if err == nil && resp.Detection == DetectionNone && resp.StatusCode < 400 {
			if opts.Source != "" {
				f.backoff.ReportOutcome(opts.Source, true)
			}
			return resp, nil
		}

		failures++
		if failures%max(f.cfg.SessionRotateAfter, 1) == 0 {
			f.rotateSession()
		}

		if err != nil {
			lastErr = err
			lastClass = class
		} else if resp.Detection == DetectionNone {
			// Plain HTTP error with no anti-bot signature.
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			if resp.StatusCode >= 500 {
				lastClass = ClassServerError
			} else {
				lastClass = ClassBlocked
			}
		} else {
			lastClass = classForDetection(resp.Detection)
			lastErr = fmt.Errorf("anti-bot detection: %s", resp.Detection)
			if resp.Detection == DetectionRateLimited {
				f.backoff.ReportRateLimit(opts.Source)
			}
		}

		if opts.Source != "" {
			f.backoff.ReportOutcome(opts.Source, false)
		}
		f.logger.WithFields(map[string]interface{}{
			"url": rawURL, "attempt": attempt, "class": lastClass.String(),
		}).Debugf("fetch attempt failed: %v", lastErr)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &FetchError{Classification: lastClass, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) doOnce(ctx context.Context, rawURL string, opts Options) (*Response, Classification, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.RequestTimeout.Std()
	}

	client, err := f.buildClient(timeout, opts.ProxyURL)
	if err != nil {
		return nil, ClassParseError, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ClassParseError, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header = f.headers.Pick()
	for key, values := range opts.Headers {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyTransportError(err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(err), fmt.Errorf("failed to read body: %w", err)
	}

	// The transport only decompresses encodings it negotiated itself. A
	// gzip body can still arrive when the caller set Accept-Encoding
	// through opts.Headers; decode it before the detector and the
	// extractors see it.
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		body, err = decodeGzip(body)
		if err != nil {
			return nil, ClassParseError, fmt.Errorf("failed to decode gzip body: %w", err)
		}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	detection := f.detector.Inspect(resp.StatusCode, resp.Header, body, rawURL, finalURL)

	return &Response{
		Body:         body,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		ResponseTime: elapsed,
		FinalURL:     finalURL,
		Detection:    detection,
	}, ClassNone, nil
}

func (f *Fetcher) buildClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: proxyURL != ""},
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	f.jarMu.Lock()
	jar := f.jar
	f.jarMu.Unlock()
	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}

// rotateSession clears cookies so subsequent requests look like a new
// visitor. Header bundles are re-picked per request already.
func (f *Fetcher) rotateSession() {
	jar, _ := cookiejar.New(nil)
	f.jarMu.Lock()
	f.jar = jar
	f.jarMu.Unlock()
	f.logger.Debug("session rotated")
}

func decodeGzip(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}

func classifyTransportError(err error) Classification {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnectionRefused
	}
	return ClassConnectionRefused
}

func classForDetection(d Detection) Classification {
	switch d {
	case DetectionRateLimited:
		return ClassRateLimited
	case DetectionCaptcha:
		return ClassCaptcha
	case DetectionCloudflare, DetectionBlocked, DetectionSoftRedirect:
		return ClassBlocked
	default:
		return ClassNone
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
