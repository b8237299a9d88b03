// internal/monitoring/monitoring_test.go
package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposition(t *testing.T) {
	mm := NewMetricsManager("testharvester")

	mm.RecordCrawl("src1", true, 2*time.Second, 40, 35)
	mm.RecordCrawl("src1", false, time.Second, 0, 0)
	mm.RecordValidation("standard", true, 800*time.Millisecond, 72.5)
	mm.RecordJobFinished("completed", 12*time.Second)
	mm.UpdateQueueDepth(3, 1)
	mm.UpdatePoolSize(120, 45)
	mm.RecordHTTPRequest("GET", "/api/v1/proxies", 200, 5*time.Millisecond)
	mm.UpdateSystemMetrics()

	srv := httptest.NewServer(mm.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	exposition := string(body)

	for _, metric := range []string{
		`testharvester_crawl_runs_total{source="src1",status="success"} 1`,
		`testharvester_crawl_runs_total{source="src1",status="failure"} 1`,
		`testharvester_proxies_extracted_total{source="src1"} 40`,
		`testharvester_validations_total{level="standard",outcome="pass"} 1`,
		`testharvester_jobs_total{status="completed"} 1`,
		`testharvester_jobs_queued 3`,
		`testharvester_pool_active_proxies 45`,
		`testharvester_http_requests_total{method="GET",route="/api/v1/proxies",status_code="200"} 1`,
	} {
		if !strings.Contains(exposition, metric) {
			t.Errorf("exposition missing %q", metric)
		}
	}
}

func TestMetricsManagersDoNotCollide(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("second manager panicked on registration: %v", r)
		}
	}()
	_ = NewMetricsManager("ns")
	_ = NewMetricsManager("ns")
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealthAggregation(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   HealthStatus
	}{
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"database": DatabaseCheck(fakePinger{}),
				"redis":    RedisCheck(fakePinger{}),
			},
			want: HealthStatusHealthy,
		},
		{
			name: "one degraded",
			checks: map[string]CheckFunc{
				"database": DatabaseCheck(fakePinger{}),
				"cache": func(ctx context.Context) CheckResult {
					return CheckResult{Status: HealthStatusDegraded, Message: "slow"}
				},
			},
			want: HealthStatusDegraded,
		},
		{
			name: "one unhealthy wins",
			checks: map[string]CheckFunc{
				"database": DatabaseCheck(fakePinger{err: errors.New("connection refused")}),
				"cache": func(ctx context.Context) CheckResult {
					return CheckResult{Status: HealthStatusDegraded}
				},
			},
			want: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthManager(time.Second)
			for name, fn := range tt.checks {
				h.Register(name, fn)
			}
			report := h.Run(context.Background())
			if report.Status != tt.want {
				t.Errorf("status = %s, want %s", report.Status, tt.want)
			}
			if len(report.Checks) != len(tt.checks) {
				t.Errorf("checks = %d, want %d", len(report.Checks), len(tt.checks))
			}
		})
	}
}

func TestHealthCheckPanicIsContained(t *testing.T) {
	h := NewHealthManager(time.Second)
	h.Register("flaky", func(ctx context.Context) CheckResult {
		panic("boom")
	})
	report := h.Run(context.Background())
	if report.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", report.Status)
	}
	if report.Checks["flaky"].Message == "" {
		t.Error("panicking check must report a message")
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	h := NewHealthManager(time.Second)
	h.Register("database", DatabaseCheck(fakePinger{}))

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("healthy status code = %d, want 200", rec.Code)
	}

	h.Register("database", DatabaseCheck(fakePinger{err: errors.New("down")}))
	rec = httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Errorf("unhealthy status code = %d, want 503", rec.Code)
	}
}

func TestSystemCheckReportsMetadata(t *testing.T) {
	result := SystemCheck()(context.Background())
	if result.Status == HealthStatusUnhealthy {
		t.Errorf("system check unhealthy on a test host: %+v", result)
	}
	if _, ok := result.Metadata["goroutines"]; !ok {
		t.Error("system check must report goroutine count")
	}
}
