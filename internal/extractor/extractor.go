// internal/extractor/extractor.go
package extractor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Extractor pulls candidate proxies from one configured source.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) (*types.ExtractResult, error)
}

// Constructor builds an extractor from its source configuration.
type Constructor func(cfg config.SourceConfig, f *fetcher.Fetcher, logger utils.Logger) (Extractor, error)

// Registry maps extractor shape names to constructors. Sources select a
// shape by config, not by subclassing.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry preloaded with the built-in shapes.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("html", NewHTMLTableExtractor)
	r.Register("api", NewAPIExtractor)
	return r
}

// Register adds or replaces a constructor for a shape name.
func (r *Registry) Register(shape string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[shape] = c
}

// Build constructs the extractor for one source configuration.
func (r *Registry) Build(cfg config.SourceConfig, f *fetcher.Fetcher, logger utils.Logger) (Extractor, error) {
	r.mu.RLock()
	c, ok := r.constructors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown extractor shape %q for source %q", cfg.Type, cfg.Name)
	}
	return c(cfg, f, logger)
}

// Shapes lists the registered shape names, sorted.
func (r *Registry) Shapes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// distribution builds the per-protocol / country / anonymity histogram
// every extractor attaches to its result metadata.
func distribution(proxies []types.ProxyData) map[string]interface{} {
	byProtocol := map[string]int{}
	byCountry := map[string]int{}
	byAnonymity := map[string]int{}

	for _, p := range proxies {
		protocol := string(p.Protocol)
		if protocol == "" {
			protocol = "unknown"
		}
		byProtocol[protocol]++

		country := p.Country
		if country == "" {
			country = "unknown"
		}
		byCountry[country]++

		anonymity := string(p.Anonymity)
		if anonymity == "" {
			anonymity = "unknown"
		}
		byAnonymity[anonymity]++
	}

	return map[string]interface{}{
		"by_protocol":  byProtocol,
		"by_country":   byCountry,
		"by_anonymity": byAnonymity,
	}
}
