// internal/store/store_test.go
package store

import (
	"context"
	"testing"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DatabaseConfig{Type: "sqlite", URL: ":memory:"}, utils.NopLogger{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProxy() *types.Proxy {
	return &types.Proxy{
		IP:        "1.2.3.4",
		Port:      8080,
		Protocol:  types.ProtocolHTTP,
		Anonymity: types.AnonymityElite,
		Country:   "US",
		Source:    "src1",
		Metadata:  map[string]string{"origin": "table"},
	}
}

func TestUpsertInsertsAndMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, testProxy())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == 0 || first.CreatedAt.IsZero() {
		t.Fatalf("row not stamped: %+v", first)
	}

	// Second upsert with fresher metadata merges, not duplicates.
	update := testProxy()
	update.Country = "DE"
	update.Source = "src2"
	update.Metadata = map[string]string{"speed": "fast"}

	second, err := s.Upsert(ctx, update)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("merge created a new row: %d vs %d", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("created_at must never reset")
	}
	if second.Country != "DE" || second.Source != "src2" {
		t.Fatalf("fresh fields not applied: %+v", second)
	}
	// Metadata is a union of both observations.
	if second.Metadata["origin"] != "table" || second.Metadata["speed"] != "fast" {
		t.Fatalf("metadata = %v", second.Metadata)
	}

	page, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Fatalf("total = %d, want 1", page.Total)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Upsert(ctx, testProxy())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Upsert(ctx, testProxy())
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || !a.CreatedAt.Equal(b.CreatedAt) {
		t.Fatalf("idempotency broken: %+v vs %+v", a, b)
	}
}

func TestUpsertNeverDowngradesLastSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recent := time.Now().UTC().Truncate(time.Second)
	p := testProxy()
	p.LastSuccess = recent
	if _, err := s.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}

	stale := testProxy()
	stale.LastSuccess = recent.Add(-2 * time.Hour)
	merged, err := s.Upsert(ctx, stale)
	if err != nil {
		t.Fatal(err)
	}
	if merged.LastSuccess.Before(recent) {
		t.Fatalf("last_success regressed to %v", merged.LastSuccess)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	bad := &types.Proxy{IP: "999.1.1.1", Port: 80}
	if _, err := s.Upsert(context.Background(), bad); utils.CodeOf(err) != utils.ErrCodeValidation {
		t.Fatalf("err = %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), 12345)
	if utils.CodeOf(err) != utils.ErrCodeProxyNotFound {
		t.Fatalf("code = %s", utils.CodeOf(err))
	}
	_, err = s.GetByKey(context.Background(), "8.8.8.8", 80)
	if utils.CodeOf(err) != utils.ErrCodeProxyNotFound {
		t.Fatalf("code = %s", utils.CodeOf(err))
	}
}

func seedPool(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	seed := []types.Proxy{
		{IP: "1.1.1.1", Port: 80, Protocol: types.ProtocolHTTP, Anonymity: types.AnonymityElite, Country: "US"},
		{IP: "2.2.2.2", Port: 1080, Protocol: types.ProtocolSOCKS5, Anonymity: types.AnonymityAnonymous, Country: "DE"},
		{IP: "3.3.3.3", Port: 3128, Protocol: types.ProtocolHTTP, Anonymity: types.AnonymityTransparent, Country: "US"},
	}
	for i := range seed {
		if _, err := s.Upsert(ctx, &seed[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	seedPool(t, s)
	ctx := context.Background()

	page, err := s.Query(ctx, Filter{Protocol: types.ProtocolHTTP, Country: "US"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2", page.Total)
	}

	page, err = s.Query(ctx, Filter{Anonymity: types.AnonymityAnonymous})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Proxies[0].IP != "2.2.2.2" {
		t.Fatalf("page = %+v", page)
	}
}

func TestQueryPagination(t *testing.T) {
	s := openTestStore(t)
	seedPool(t, s)

	page, err := s.Query(context.Background(), Filter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || page.TotalPages != 2 || len(page.Proxies) != 1 {
		t.Fatalf("page = %+v", page)
	}
}

func TestRandomRequiresActivePool(t *testing.T) {
	s := openTestStore(t)
	seedPool(t, s) // all inactive by default
	ctx := context.Background()

	_, err := s.Random(ctx, Filter{})
	if utils.CodeOf(err) != utils.ErrCodeProxyPoolEmpty {
		t.Fatalf("code = %s", utils.CodeOf(err))
	}

	// Activate one and try again.
	p, _ := s.GetByKey(ctx, "1.1.1.1", 80)
	result := &types.ValidationResult{
		Success:        true,
		Connectivity:   types.SubResult{OK: true, Score: 100},
		CompositeScore: 85,
		AnonymityLevel: types.AnonymityElite,
		ResponseTimeMs: 200,
		CompletedAt:    time.Now().UTC(),
	}
	if err := s.UpdateStatus(ctx, p.ID, result, true); err != nil {
		t.Fatal(err)
	}

	got, err := s.Random(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if got.IP != "1.1.1.1" {
		t.Fatalf("random = %s", got.IP)
	}
}

func TestUpdateStatusWritesRowAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.Upsert(ctx, testProxy())
	if err != nil {
		t.Fatal(err)
	}

	result := &types.ValidationResult{
		Success:        true,
		Level:          types.TestLevelStandard,
		Connectivity:   types.SubResult{OK: true, Score: 100},
		CompositeScore: 72.5,
		AnonymityLevel: types.AnonymityAnonymous,
		ResponseTimeMs: 450,
		CompletedAt:    time.Now().UTC(),
	}
	if err := s.UpdateStatus(ctx, p.ID, result, true); err != nil {
		t.Fatal(err)
	}

	updated, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.QualityScore != 72.5 || !updated.IsActive {
		t.Fatalf("row = %+v", updated)
	}
	if updated.Anonymity != types.AnonymityAnonymous {
		t.Fatalf("anonymity = %s", updated.Anonymity)
	}
	if updated.LastSuccess.IsZero() || updated.LastChecked.IsZero() {
		t.Fatal("timestamps not set")
	}
	if updated.SuccessRate <= 0 {
		t.Fatal("success rate did not move")
	}

	records, err := s.RecentResults(ctx, p.IP, p.Port, 10, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].CompositeScore != 72.5 {
		t.Fatalf("history = %+v", records)
	}
}

func TestUpdateStatusKeepsSuccessBeforeChecked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.Upsert(ctx, testProxy())
	if err != nil {
		t.Fatal(err)
	}

	// The round finished a moment before this write lands; last_success
	// must reflect the round, not the write.
	completed := time.Now().UTC().Add(-50 * time.Millisecond)
	result := &types.ValidationResult{
		Success:        true,
		Level:          types.TestLevelStandard,
		Connectivity:   types.SubResult{OK: true, Score: 100},
		CompositeScore: 80,
		AnonymityLevel: types.AnonymityElite,
		ResponseTimeMs: 200,
		CompletedAt:    completed,
	}
	if err := s.UpdateStatus(ctx, p.ID, result, true); err != nil {
		t.Fatal(err)
	}

	updated, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.IsActive {
		t.Fatalf("row = %+v", updated)
	}
	if updated.LastSuccess.After(updated.LastChecked) {
		t.Fatalf("last_success %v is after last_checked %v", updated.LastSuccess, updated.LastChecked)
	}
	if !updated.LastSuccess.Equal(updated.LastChecked) {
		t.Fatalf("both timestamps come from the same round: %v vs %v", updated.LastSuccess, updated.LastChecked)
	}
}

func TestRecentResultsWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, _ := s.Upsert(ctx, testProxy())

	old := &types.CheckRecord{ProxyID: p.ID, IsSuccessful: true, CheckedAt: time.Now().UTC().Add(-3 * time.Hour)}
	fresh := &types.CheckRecord{ProxyID: p.ID, IsSuccessful: true, CheckedAt: time.Now().UTC()}
	if err := s.AppendCheckRecord(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCheckRecord(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	records, err := s.RecentResults(ctx, p.IP, p.Port, 100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("window leaked old rows: %d", len(records))
	}

	// Unknown proxy: empty history, no error.
	records, err = s.RecentResults(ctx, "9.9.9.9", 80, 100, time.Hour)
	if err != nil || records != nil {
		t.Fatalf("records = %v err = %v", records, err)
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	s := openTestStore(t)
	seedPool(t, s)
	ctx := context.Background()

	p, _ := s.GetByKey(ctx, "1.1.1.1", 80)
	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, p.ID); utils.CodeOf(err) != utils.ErrCodeProxyNotFound {
		t.Fatalf("second delete = %v", err)
	}

	// Remaining proxies are inactive with no last_success: cleanup sweeps them.
	n, err := s.Cleanup(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("cleaned = %d, want 2", n)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	seedPool(t, s)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Active != 0 || stats.Inactive != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByProtocol["http"] != 2 || stats.ByProtocol["socks5"] != 1 {
		t.Fatalf("by_protocol = %v", stats.ByProtocol)
	}
	if stats.ByCountry["US"] != 2 {
		t.Fatalf("by_country = %v", stats.ByCountry)
	}
}

func TestCrawlLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendCrawlLog(ctx, &types.CrawlLog{
		Source: "src1", TotalFound: 10, Success: true,
		Metadata: map[string]string{"pages": "2"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCrawlLog(ctx, &types.CrawlLog{
		Source: "src2", Success: false, ErrorMessage: "blocked",
	}); err != nil {
		t.Fatal(err)
	}

	logs, err := s.CrawlLogs(ctx, CrawlLogFilter{Source: "src1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].TotalFound != 10 || logs[0].Metadata["pages"] != "2" {
		t.Fatalf("logs = %+v", logs)
	}

	ok := false
	logs, err = s.CrawlLogs(ctx, CrawlLogFilter{Success: &ok})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Source != "src2" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestSourceBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := config.SourceConfig{
		Name: "src1", Type: "html", URL: "http://example.com",
		Enabled: true, Priority: 7,
		CrawlInterval: config.Duration(30 * time.Minute),
	}
	if err := s.SyncSource(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	// Re-sync updates in place.
	cfg.Priority = 9
	if err := s.SyncSource(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	record, err := s.Source(ctx, "src1")
	if err != nil {
		t.Fatal(err)
	}
	if record.Priority != 9 || !record.IsActive || record.CrawlInterval != 1800 {
		t.Fatalf("record = %+v", record)
	}

	if err := s.TouchSourceCrawl(ctx, "src1", true); err != nil {
		t.Fatal(err)
	}
	record, _ = s.Source(ctx, "src1")
	if record.LastCrawl.IsZero() || record.SuccessRate <= 0 {
		t.Fatalf("crawl not recorded: %+v", record)
	}

	sources, err := s.Sources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %d", len(sources))
	}
}
