// internal/fetcher/fetcher_test.go
package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
)

func testConfig() config.FetcherConfig {
	return config.FetcherConfig{
		MaxConcurrentRequests: 4,
		RequestTimeout:        config.Duration(5 * time.Second),
		RetryAttempts:         3,
		SessionRotateAfter:    2,
		MinDelay:              config.Duration(time.Millisecond),
		MaxDelay:              config.Duration(2 * time.Millisecond),
		RefererChance:         0.3,
		ForwardedForChance:    0.2,
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	resp, err := f.Fetch(context.Background(), srv.URL, Options{Source: "src1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "<html>ok</html>" {
		t.Fatalf("unexpected response: %d %q", resp.StatusCode, resp.Body)
	}
	if resp.ResponseTime <= 0 {
		t.Fatal("response time not recorded")
	}

	ua, _ := gotUA.Load().(string)
	if !strings.Contains(ua, "Mozilla/5.0") {
		t.Fatalf("pooled User-Agent not applied: %q", ua)
	}
}

func TestFetchRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// A block page: detector flags it, fetcher retries.
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	resp, err := f.Fetch(context.Background(), srv.URL, Options{Source: "src1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Fatalf("body = %q", resp.Body)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchRetryOverride(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Configured budget is 3; the per-request override wins.
	f := New(testConfig(), utils.NopLogger{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{Source: "src1", RetryAttempts: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *FetchError: %T", err)
	}
	if fe.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", fe.Attempts)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchServerErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{Source: "flaky"})
	if err == nil {
		t.Fatal("500 must not be a successful fetch")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *FetchError: %T", err)
	}
	if fe.Classification != ClassServerError {
		t.Fatalf("classification = %s, want server-error", fe.Classification)
	}
}

func TestFetchTerminalClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("too many requests"))
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{Source: "limited"})
	if err == nil {
		t.Fatal("expected terminal error")
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *FetchError: %T", err)
	}
	if fe.Classification != ClassRateLimited {
		t.Fatalf("classification = %s, want rate-limited", fe.Classification)
	}
	if fe.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", fe.Attempts)
	}

	// Rolling ratio for the source must have degraded.
	if ratio := f.Backoff().SuccessRatio("limited"); ratio >= 1.0 {
		t.Fatalf("success ratio did not drop: %.3f", ratio)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	f := New(testConfig(), utils.NopLogger{})

	// Port 1 on localhost is almost certainly closed.
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/", Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *FetchError: %T", err)
	}
	if fe.Classification != ClassConnectionRefused && fe.Classification != ClassTimeout {
		t.Fatalf("classification = %s", fe.Classification)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL, Options{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("fetch did not abort at cancellation")
	}
}

func TestFetchNegotiatedGzipIsDecompressed(t *testing.T) {
	var gotEncoding atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding.Store(r.Header.Get("Accept-Encoding"))
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte("<html><table>rows</table></html>"))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html><table>rows</table></html>"))
		gz.Close()
	}))
	defer srv.Close()

	f := New(testConfig(), utils.NopLogger{})
	resp, err := f.Fetch(context.Background(), srv.URL, Options{Source: "src1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "<html><table>rows</table></html>" {
		t.Fatalf("body not decompressed: %q", resp.Body)
	}
	if resp.Detection != DetectionNone {
		t.Fatalf("detection = %s on a clean page", resp.Detection)
	}

	// The pool must not set Accept-Encoding itself; the value the server
	// sees is the transport's own negotiation.
	encoding, _ := gotEncoding.Load().(string)
	if encoding != "gzip" {
		t.Fatalf("Accept-Encoding = %q, want transport-negotiated \"gzip\"", encoding)
	}
}

func TestFetchExplicitAcceptEncodingGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Honors the caller-set header: compressed body, encoding marked.
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("203.0.113.10:8080\n203.0.113.11:3128\n"))
		gz.Close()
	}))
	defer srv.Close()

	headers := make(http.Header)
	headers.Set("Accept-Encoding", "gzip")

	f := New(testConfig(), utils.NopLogger{})
	resp, err := f.Fetch(context.Background(), srv.URL, Options{Source: "src1", Headers: headers})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "203.0.113.10:8080\n203.0.113.11:3128\n" {
		t.Fatalf("body not decompressed: %q", resp.Body)
	}
}

func TestFetchCorruptGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("this is not gzip"))
	}))
	defer srv.Close()

	headers := make(http.Header)
	headers.Set("Accept-Encoding", "gzip")

	f := New(testConfig(), utils.NopLogger{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{Headers: headers})
	if err == nil {
		t.Fatal("corrupt gzip body must fail the fetch")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *FetchError: %T", err)
	}
	if fe.Classification != ClassParseError {
		t.Fatalf("classification = %s, want parse-error", fe.Classification)
	}
}

func TestHeaderPoolInjection(t *testing.T) {
	// Force both probabilistic injections on.
	p := NewHeaderPool(1.0, 1.0, 7)

	h := p.Pick()
	if h.Get("Referer") == "" {
		t.Fatal("Referer not injected at chance 1.0")
	}
	if h.Get("X-Forwarded-For") == "" {
		t.Fatal("X-Forwarded-For not injected at chance 1.0")
	}
	if h.Get("User-Agent") == "" || h.Get("Accept") == "" || h.Get("Accept-Language") == "" {
		t.Fatal("incomplete header bundle")
	}
	if h.Get("Accept-Encoding") != "" {
		t.Fatal("Accept-Encoding must be left to the transport")
	}

	// And off.
	p = NewHeaderPool(0, 0, 7)
	h = p.Pick()
	if h.Get("Referer") != "" || h.Get("X-Forwarded-For") != "" {
		t.Fatal("injection happened at chance 0")
	}
}
