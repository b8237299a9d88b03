// internal/coordinator/coordinator_test.go
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/extractor"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/pipeline"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

type submission struct {
	proxies  []types.ProxyRef
	level    types.TestLevel
	priority int
}

type fakeScheduler struct {
	mu          sync.Mutex
	submissions []submission
	fail        bool
}

func (f *fakeScheduler) Submit(proxies []types.ProxyRef, level types.TestLevel, priority int, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", utils.NewError(utils.ErrCodeQueueFull, "queue full")
	}
	f.submissions = append(f.submissions, submission{proxies: proxies, level: level, priority: priority})
	return fmt.Sprintf("job-%d", len(f.submissions)), nil
}

func (f *fakeScheduler) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	upserts []types.Proxy
	logs    []types.CrawlLog
	touches map[string][]bool
	synced  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{touches: make(map[string][]bool)}
}

func (f *fakeStore) Upsert(ctx context.Context, proxy *types.Proxy) (*types.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	copied := *proxy
	copied.ID = f.nextID
	f.upserts = append(f.upserts, copied)
	return &copied, nil
}

func (f *fakeStore) AppendCrawlLog(ctx context.Context, log *types.CrawlLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *log)
	return nil
}

func (f *fakeStore) SyncSource(ctx context.Context, cfg config.SourceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, cfg.Name)
	return nil
}

func (f *fakeStore) TouchSourceCrawl(ctx context.Context, name string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches[name] = append(f.touches[name], success)
	return nil
}

func (f *fakeStore) Cleanup(ctx context.Context, inactiveDays int) (int64, error) {
	return 0, nil
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeStore) crawlLogs() []types.CrawlLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.CrawlLog(nil), f.logs...)
}

func testFetcher() *fetcher.Fetcher {
	return fetcher.New(config.FetcherConfig{
		MaxConcurrentRequests: 4,
		RequestTimeout:        config.Duration(5 * time.Second),
		RetryAttempts:         1,
		MinDelay:              config.Duration(time.Millisecond),
		MaxDelay:              config.Duration(2 * time.Millisecond),
	}, utils.NopLogger{})
}

func plainSource(name, url string, priority int) config.SourceConfig {
	return config.SourceConfig{
		Name:            name,
		Type:            "api",
		Format:          "plain",
		URL:             url,
		MaxPages:        1,
		Enabled:         true,
		Priority:        priority,
		DefaultProtocol: types.ProtocolHTTP,
	}
}

func newTestCoordinator(sources []config.SourceConfig, st CandidateStore, sched JobSubmitter) *Coordinator {
	return New(config.CoordinatorConfig{}, sources, extractor.NewRegistry(), testFetcher(),
		pipeline.NewTransformer(nil, utils.NopLogger{}), st, sched, utils.NopLogger{})
}

func TestRunSourceHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.2.3.4:8080\n5.6.7.8:3128\n")
	}))
	defer srv.Close()

	st := newFakeStore()
	sched := &fakeScheduler{}
	c := newTestCoordinator([]config.SourceConfig{plainSource("src1", srv.URL, 5)}, st, sched)

	report, err := c.RunSource(context.Background(), "src1")
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	if report.Extracted != 2 || report.Stored != 2 {
		t.Errorf("extracted/stored = %d/%d, want 2/2", report.Extracted, report.Stored)
	}
	if report.JobID == "" {
		t.Error("no validation job was submitted")
	}

	subs := sched.submitted()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	if subs[0].level != types.TestLevelStandard || subs[0].priority != 5 {
		t.Errorf("job level/priority = %s/%d, want standard/5", subs[0].level, subs[0].priority)
	}
	if len(subs[0].proxies) != 2 {
		t.Errorf("job carries %d proxies, want 2", len(subs[0].proxies))
	}

	logs := st.crawlLogs()
	if len(logs) != 1 {
		t.Fatalf("crawl logs = %d, want 1", len(logs))
	}
	if !logs[0].Success || logs[0].TotalFound != 2 {
		t.Errorf("crawl log success/found = %v/%d, want true/2", logs[0].Success, logs[0].TotalFound)
	}
	if logs[0].Metadata["job_id"] != report.JobID {
		t.Errorf("crawl log job_id = %q, want %q", logs[0].Metadata["job_id"], report.JobID)
	}
	if got := st.touches["src1"]; len(got) != 1 || !got[0] {
		t.Errorf("source bookkeeping = %v, want one success", got)
	}

	status := c.Status()
	if len(status) != 1 || status[0].Runs != 1 || status[0].LastFound != 2 || status[0].Running {
		t.Errorf("status = %+v", status)
	}
}

func TestRunSourceWithOverrides(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newFakeStore()
	c := newTestCoordinator([]config.SourceConfig{plainSource("src1", srv.URL, 5)}, st, &fakeScheduler{})

	// The configured fetcher budget is one attempt; the per-run override
	// must raise it to three.
	_, err := c.RunSourceWith(context.Background(), "src1", RunOverrides{
		RetryAttempts:  3,
		RateLimitDelay: time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected the failing source to error")
	}

	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 3 {
		t.Fatalf("requests = %d, want 3 with the retry override", got)
	}

	// The stored source configuration stays untouched.
	if src, _ := c.SourceConfig("src1"); src.RetryAttempts != 0 || src.RateLimitDelay != 0 {
		t.Errorf("overrides leaked into the source config: %+v", src)
	}
}

func TestSourceFailureIsIsolated(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.2.3.4:8080\n")
	}))
	defer good.Close()

	st := newFakeStore()
	sched := &fakeScheduler{}
	c := newTestCoordinator([]config.SourceConfig{
		plainSource("bad", bad.URL, 9),
		plainSource("good", good.URL, 1),
	}, st, sched)

	if _, err := c.RunSource(context.Background(), "bad"); err == nil {
		t.Fatal("expected the failing source to error")
	}
	report, err := c.RunSource(context.Background(), "good")
	if err != nil {
		t.Fatalf("healthy source failed after a sibling error: %v", err)
	}
	if report.Stored != 1 {
		t.Errorf("stored = %d, want 1", report.Stored)
	}

	logs := st.crawlLogs()
	if len(logs) != 2 {
		t.Fatalf("crawl logs = %d, want 2", len(logs))
	}
	var badLog types.CrawlLog
	for _, log := range logs {
		if log.Source == "bad" {
			badLog = log
		}
	}
	if badLog.Success || badLog.ErrorMessage == "" {
		t.Errorf("failed run must log failure with a message, got %+v", badLog)
	}
	if got := st.touches["bad"]; len(got) != 1 || got[0] {
		t.Errorf("bad source bookkeeping = %v, want one failure", got)
	}

	for _, s := range c.Status() {
		if s.Name == "bad" && (s.Failures != 1 || s.LastError == "") {
			t.Errorf("bad source status = %+v", s)
		}
	}
}

func TestRunSourceUnknown(t *testing.T) {
	c := newTestCoordinator(nil, newFakeStore(), &fakeScheduler{})
	_, err := c.RunSource(context.Background(), "nope")
	if utils.CodeOf(err) != utils.ErrCodeConfig {
		t.Fatalf("error code = %s, want %s", utils.CodeOf(err), utils.ErrCodeConfig)
	}
}

func TestSubmitFailureDoesNotFailRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.2.3.4:8080\n")
	}))
	defer srv.Close()

	st := newFakeStore()
	c := newTestCoordinator([]config.SourceConfig{plainSource("src1", srv.URL, 5)}, st, &fakeScheduler{fail: true})

	report, err := c.RunSource(context.Background(), "src1")
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	if report.JobID != "" {
		t.Error("job id set despite scheduler rejection")
	}
	if report.Stored != 1 {
		t.Errorf("stored = %d, want 1", report.Stored)
	}
}

func TestTestSourceDoesNotPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.2.3.4:8080\n5.6.7.8:3128\n")
	}))
	defer srv.Close()

	st := newFakeStore()
	sched := &fakeScheduler{}
	c := newTestCoordinator(nil, st, sched)

	report, err := c.TestSource(context.Background(), plainSource("candidate", srv.URL, 5))
	if err != nil {
		t.Fatalf("TestSource: %v", err)
	}
	if report.Extracted != 2 || report.Stored != 2 {
		t.Errorf("extracted/stored = %d/%d, want 2/2", report.Extracted, report.Stored)
	}
	if st.upsertCount() != 0 {
		t.Errorf("store received %d upserts, want 0", st.upsertCount())
	}
	if len(sched.submitted()) != 0 {
		t.Error("a validation job was submitted during a dry run")
	}
}

func TestRunDueHonorsIntervalAndPriority(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits = append(hits, name)
			mu.Unlock()
			fmt.Fprint(w, "1.2.3.4:8080\n")
		}
	}
	srvA := httptest.NewServer(handler("a"))
	defer srvA.Close()
	srvB := httptest.NewServer(handler("b"))
	defer srvB.Close()

	st := newFakeStore()
	sources := []config.SourceConfig{
		plainSource("a", srvA.URL, 1),
		plainSource("b", srvB.URL, 9),
	}
	disabled := plainSource("c", srvA.URL, 10)
	disabled.Enabled = false
	sources = append(sources, disabled)

	c := newTestCoordinator(sources, st, &fakeScheduler{})
	// One worker slot so runs are strictly ordered by priority.
	c.sem = make(chan struct{}, 1)

	c.runDue(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.crawlLogs()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(st.crawlLogs()); got != 2 {
		t.Fatalf("crawl logs = %d, want 2 (disabled source must not run)", got)
	}

	mu.Lock()
	order := append([]string(nil), hits...)
	mu.Unlock()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("run order = %v, want [b a]", order)
	}

	// The interval has not elapsed, so a second pass is a no-op.
	c.runDue(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := len(st.crawlLogs()); got != 2 {
		t.Errorf("crawl logs after early re-run = %d, want 2", got)
	}
}

func TestStartSyncsSourcesAndStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.2.3.4:8080\n")
	}))
	defer srv.Close()

	st := newFakeStore()
	c := newTestCoordinator([]config.SourceConfig{plainSource("src1", srv.URL, 5)}, st, &fakeScheduler{})

	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		synced := len(st.synced)
		st.mu.Unlock()
		if synced == 1 && len(st.crawlLogs()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("startup did not sync sources and run the first pass")
}
