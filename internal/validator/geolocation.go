// internal/validator/geolocation.go
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

const earthRadiusKm = 6371.0

// testGeolocation compares the host's real egress location against the
// proxy's. proxyEgress may be pre-known from the connectivity test.
func (v *Validator) testGeolocation(ctx context.Context, proxy *types.Proxy, proxyEgress string) types.SubResult {
	if v.resolver == nil {
		return types.SubResult{Error: "geo resolver not configured"}
	}

	realIP, err := v.realEgressIP(ctx)
	if err != nil {
		return types.SubResult{Error: err.Error()}
	}

	if proxyEgress == "" {
		proxyEgress, err = v.proxyEgressIP(ctx, proxy)
		if err != nil {
			return types.SubResult{Error: err.Error()}
		}
	}

	realGeo, err := v.resolver.Resolve(ctx, realIP)
	if err != nil {
		return types.SubResult{Error: fmt.Sprintf("real IP lookup: %v", err)}
	}
	proxyGeo, err := v.resolver.Resolve(ctx, proxyEgress)
	if err != nil {
		return types.SubResult{Error: fmt.Sprintf("proxy IP lookup: %v", err)}
	}

	sameCountry := realGeo.CountryCode != "" && realGeo.CountryCode == proxyGeo.CountryCode
	sameRegion := sameCountry && realGeo.Region != "" && realGeo.Region == proxyGeo.Region
	sameCity := sameRegion && realGeo.City != "" && realGeo.City == proxyGeo.City
	distance := haversineKm(realGeo.Lat, realGeo.Lon, proxyGeo.Lat, proxyGeo.Lon)

	risk := "low"
	switch {
	case !sameCountry && distance > 1000:
		risk = "high"
	case distance > 500:
		risk = "medium"
	}

	score := 100.0
	switch risk {
	case "medium":
		score = 70
	case "high":
		score = 40
	}

	return types.SubResult{
		OK:    true,
		Score: score,
		Details: map[string]interface{}{
			"real_ip":       realIP,
			"proxy_ip":      proxyEgress,
			"real_country":  realGeo.CountryCode,
			"proxy_country": proxyGeo.CountryCode,
			"proxy_city":    proxyGeo.City,
			"proxy_isp":     proxyGeo.ISP,
			"same_country":  sameCountry,
			"same_region":   sameRegion,
			"same_city":     sameCity,
			"distance_km":   math.Round(distance),
			"risk_level":    risk,
		},
	}
}

// proxyEgressIP fetches the echo endpoint through the proxy to learn its
// public address.
func (v *Validator) proxyEgressIP(ctx context.Context, proxy *types.Proxy) (string, error) {
	client, err := v.proxyClient(proxy, v.probeTimeout())
	if err != nil {
		return "", err
	}
	for _, echoURL := range v.cfg.EchoURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		var reply echoReply
		if err := json.Unmarshal(body, &reply); err == nil && reply.egress() != "" {
			return reply.egress(), nil
		}
	}
	return "", fmt.Errorf("failed to determine proxy egress IP")
}

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
