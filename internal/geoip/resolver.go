// internal/geoip/resolver.go
package geoip

import (
	"context"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Resolver answers geo lookups through a cache in front of the provider
// chain. Cache backend failures degrade to chain lookups, never to
// resolution failures.
type Resolver struct {
	chain  *Chain
	cache  Cache
	ttl    time.Duration
	logger utils.Logger
}

// NewResolver wires a chain and a cache together.
func NewResolver(chain *Chain, cache Cache, ttl time.Duration, logger utils.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{
		chain:  chain,
		cache:  cache,
		ttl:    ttl,
		logger: logger.WithField("component", "geoip"),
	}
}

// Resolve returns the geo record for an IP, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*types.GeoInfo, error) {
	info, ok, err := r.cache.Get(ctx, ip)
	if err != nil {
		r.logger.Warnf("geo cache read failed for %s: %v", ip, err)
	}
	if ok {
		return info, nil
	}

	info, err = r.chain.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, ip, info, r.ttl); err != nil {
		r.logger.Warnf("geo cache write failed for %s: %v", ip, err)
	}
	return info, nil
}
