// internal/extractor/api_test.go
package extractor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

func TestAPIExtractJSONEnvelope(t *testing.T) {
	body := `{"data":[
		{"ip":"1.2.3.4","port":"8080","protocols":["socks5"],"anonymityLevel":"elite","country":"US","city":"Dallas","lastChecked":1717200000},
		{"ip":"5.6.7.8","port":3128,"protocol":"http","anonymity":"transparent","country":"Germany"},
		{"ip":"not-an-ip","port":80}
	],"total":3}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	cfg := config.SourceConfig{
		Name:     "geo-api",
		Type:     "api",
		Format:   "json",
		URL:      srv.URL,
		MaxPages: 1,
	}
	ex, err := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := ex.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Proxies) != 2 {
		t.Fatalf("proxies = %d, want 2 (bad row skipped)", len(result.Proxies))
	}

	first := result.Proxies[0]
	if first.IP != "1.2.3.4" || first.Port != 8080 {
		t.Errorf("first = %s:%d", first.IP, first.Port)
	}
	if first.Protocol != types.ProtocolSOCKS5 {
		t.Errorf("protocol = %s, want socks5", first.Protocol)
	}
	if first.Anonymity != types.AnonymityElite {
		t.Errorf("anonymity = %s", first.Anonymity)
	}
	if first.City != "Dallas" {
		t.Errorf("city = %q", first.City)
	}
	if first.LastChecked.IsZero() {
		t.Error("lastChecked not parsed")
	}

	second := result.Proxies[1]
	if second.Country != "DE" {
		t.Errorf("country = %q, want DE", second.Country)
	}
	if second.Anonymity != types.AnonymityTransparent {
		t.Errorf("anonymity = %s", second.Anonymity)
	}
}

func TestAPIExtractJSONBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"ip":"9.9.9.9","port":1080,"protocol":"socks4"}]`)
	}))
	defer srv.Close()

	cfg := config.SourceConfig{Name: "bare", Type: "api", Format: "json", URL: srv.URL, MaxPages: 1}
	ex, _ := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{})

	result, err := ex.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Proxies) != 1 || result.Proxies[0].Protocol != types.ProtocolSOCKS4 {
		t.Fatalf("result = %+v", result.Proxies)
	}
}

func TestAPIExtractPlainLines(t *testing.T) {
	body := "1.2.3.4:8080\r\n5.6.7.8:3128\n# comment\n\nbroken-line\n999.1.1.1:80\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	cfg := config.SourceConfig{
		Name:            "scrape-plain",
		Type:            "api",
		Format:          "plain",
		URL:             srv.URL,
		MaxPages:        1,
		DefaultProtocol: types.ProtocolHTTP,
	}
	ex, _ := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{})

	result, err := ex.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Proxies) != 2 {
		t.Fatalf("proxies = %d, want 2", len(result.Proxies))
	}
	for _, p := range result.Proxies {
		if p.Protocol != types.ProtocolHTTP {
			t.Errorf("default protocol not applied: %+v", p)
		}
		if p.Anonymity != types.AnonymityUnknown {
			t.Errorf("anonymity = %s, want unknown", p.Anonymity)
		}
	}
}

func TestAPIExtractJSONPagination(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("page")
		pages = append(pages, p)
		fmt.Fprintf(w, `[{"ip":"10.0.0.%s","port":80}]`, p)
	}))
	defer srv.Close()

	cfg := config.SourceConfig{
		Name:     "paged-api",
		Type:     "api",
		Format:   "json",
		URL:      srv.URL + "/?page={page}",
		MaxPages: 2,
	}
	ex, _ := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{})

	result, err := ex.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || len(result.Proxies) != 2 {
		t.Fatalf("pages = %v proxies = %d", pages, len(result.Proxies))
	}
}

func TestAPIExtractRejectsUnknownFormat(t *testing.T) {
	cfg := config.SourceConfig{Name: "bad", Type: "api", Format: "xml", URL: "http://x"}
	if _, err := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestAPIExtractMalformedJSONFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"oops": tru`)
	}))
	defer srv.Close()

	cfg := config.SourceConfig{Name: "mal", Type: "api", Format: "json", URL: srv.URL, MaxPages: 1}
	ex, _ := NewAPIExtractor(cfg, testFetcher(), utils.NopLogger{})

	result, err := ex.Extract(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success {
		t.Fatal("success must be false")
	}
}

func TestRegistryBuildsBothShapes(t *testing.T) {
	r := NewRegistry()
	shapes := r.Shapes()
	if len(shapes) != 2 || shapes[0] != "api" || shapes[1] != "html" {
		t.Fatalf("shapes = %v", shapes)
	}

	f := testFetcher()
	if _, err := r.Build(config.SourceConfig{
		Name: "h", Type: "html", URL: "http://x",
		Selectors: config.SelectorSet{Row: "tr", IPCell: "td", PortCell: "td"},
	}, f, utils.NopLogger{}); err != nil {
		t.Fatalf("html build: %v", err)
	}
	if _, err := r.Build(config.SourceConfig{
		Name: "a", Type: "api", Format: "plain", URL: "http://x",
	}, f, utils.NopLogger{}); err != nil {
		t.Fatalf("api build: %v", err)
	}
	if _, err := r.Build(config.SourceConfig{Name: "x", Type: "rss"}, f, utils.NopLogger{}); err == nil {
		t.Fatal("expected unknown shape error")
	}
}
