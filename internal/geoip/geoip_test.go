// internal/geoip/geoip_test.go
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

const ipAPIBody = `{"status":"success","query":"8.8.8.8","country":"United States","countryCode":"US","regionName":"California","city":"Mountain View","lat":37.4,"lon":-122.1,"isp":"Google LLC"}`

const ipapiCoBody = `{"ip":"8.8.8.8","country_name":"United States","country_code":"US","region":"California","city":"Mountain View","latitude":37.4,"longitude":-122.1,"org":"Google LLC"}`

func TestProviderParsesIPAPIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ipAPIBody)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL+"/json/{ip}", srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	info, err := p.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatal(err)
	}
	if info.CountryCode != "US" || info.City != "Mountain View" || info.ISP != "Google LLC" {
		t.Fatalf("info = %+v", info)
	}
	if info.Lat != 37.4 || info.Lon != -122.1 {
		t.Fatalf("coords = %v,%v", info.Lat, info.Lon)
	}
}

func TestProviderParsesIPAPICoShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ipapiCoBody)
	}))
	defer srv.Close()

	p, _ := NewHTTPProvider(srv.URL+"/{ip}/json/", srv.Client())
	info, err := p.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatal(err)
	}
	if info.IP != "8.8.8.8" || info.CountryCode != "US" || info.Region != "California" {
		t.Fatalf("info = %+v", info)
	}
	if info.Lat != 37.4 || info.Lon != -122.1 {
		t.Fatalf("coords = %v,%v", info.Lat, info.Lon)
	}
}

func TestProviderReportsUpstreamFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"ip-api fail status", `{"status":"fail","message":"private range","query":"10.0.0.1"}`, 200},
		{"ipapi.co error flag", `{"error":true,"reason":"Reserved IP Address"}`, 200},
		{"http 500", `oops`, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p, _ := NewHTTPProvider(srv.URL+"/{ip}", srv.Client())
			if _, err := p.Lookup(context.Background(), "10.0.0.1"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestProviderRateLimitIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := NewHTTPProvider(srv.URL+"/{ip}", srv.Client())
	_, err := p.Lookup(context.Background(), "8.8.8.8")
	if utils.CodeOf(err) != utils.ErrCodeRateLimit {
		t.Fatalf("code = %s, want RATE_LIMIT_ERROR", utils.CodeOf(err))
	}
}

func TestProviderRequiresPlaceholder(t *testing.T) {
	if _, err := NewHTTPProvider("http://example.com/json", nil); err == nil {
		t.Fatal("expected error for missing {ip}")
	}
}

func TestChainFallsBack(t *testing.T) {
	var firstCalls, secondCalls atomic.Int32

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstCalls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalls.Add(1)
		fmt.Fprint(w, ipAPIBody)
	}))
	defer good.Close()

	chain, err := NewChain([]string{bad.URL + "/{ip}", good.URL + "/{ip}"}, nil, utils.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}

	info, err := chain.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatal(err)
	}
	if info.CountryCode != "US" {
		t.Fatalf("info = %+v", info)
	}
	if firstCalls.Load() != 1 || secondCalls.Load() != 1 {
		t.Fatalf("calls = %d/%d", firstCalls.Load(), secondCalls.Load())
	}
}

func TestChainAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	chain, _ := NewChain([]string{srv.URL + "/{ip}"}, nil, utils.NopLogger{})
	if _, err := chain.Lookup(context.Background(), "8.8.8.8"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	info := &types.GeoInfo{IP: "1.1.1.1", CountryCode: "AU"}
	if err := c.Set(context.Background(), "1.1.1.1", info, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, ok, _ := c.Get(context.Background(), "1.1.1.1")
	if !ok || got.CountryCode != "AU" {
		t.Fatalf("got = %+v ok = %v", got, ok)
	}

	// Advance past expiry; the entry must vanish.
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(context.Background(), "1.1.1.1"); ok {
		t.Fatal("expired entry served")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry not evicted")
	}
}

func TestResolverCachesLookups(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, ipAPIBody)
	}))
	defer srv.Close()

	chain, _ := NewChain([]string{srv.URL + "/{ip}"}, nil, utils.NopLogger{})
	r := NewResolver(chain, NewMemoryCache(), time.Hour, utils.NopLogger{})

	for i := 0; i < 3; i++ {
		info, err := r.Resolve(context.Background(), "8.8.8.8")
		if err != nil {
			t.Fatal(err)
		}
		if info.CountryCode != "US" {
			t.Fatalf("info = %+v", info)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", calls.Load())
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*types.GeoInfo, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingCache) Set(context.Context, string, *types.GeoInfo, time.Duration) error {
	return errors.New("backend down")
}

func TestResolverSurvivesCacheFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ipAPIBody)
	}))
	defer srv.Close()

	chain, _ := NewChain([]string{srv.URL + "/{ip}"}, nil, utils.NopLogger{})
	r := NewResolver(chain, failingCache{}, time.Hour, utils.NopLogger{})

	info, err := r.Resolve(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatal(err)
	}
	if info.CountryCode != "US" {
		t.Fatalf("info = %+v", info)
	}
}
