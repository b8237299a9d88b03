// internal/pipeline/transformer.go
package pipeline

import (
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// FilterPolicy optionally restricts which candidates survive the
// transform. Empty allowlists admit everything.
type FilterPolicy struct {
	Protocols   []types.Protocol
	Countries   []string
	Anonymities []types.Anonymity
}

func (fp *FilterPolicy) admits(p *types.Proxy) bool {
	if len(fp.Protocols) > 0 && !containsProtocol(fp.Protocols, p.Protocol) {
		return false
	}
	if len(fp.Countries) > 0 && !containsString(fp.Countries, p.Country) {
		return false
	}
	if len(fp.Anonymities) > 0 && !containsAnonymity(fp.Anonymities, p.Anonymity) {
		return false
	}
	return true
}

// TransformStats counts what happened to a batch.
type TransformStats struct {
	Input      int `json:"input"`
	Invalid    int `json:"invalid"`
	Filtered   int `json:"filtered"`
	Duplicates int `json:"duplicates"`
	Output     int `json:"output"`
}

// Transformer normalizes, dedupes and filters extracted candidates into
// canonical proxy records.
type Transformer struct {
	filter *FilterPolicy
	logger utils.Logger
	now    func() time.Time
}

// NewTransformer builds a transformer. filter may be nil.
func NewTransformer(filter *FilterPolicy, logger utils.Logger) *Transformer {
	return &Transformer{
		filter: filter,
		logger: logger.WithField("component", "transformer"),
		now:    time.Now,
	}
}

// Transform converts one extract result into canonical proxies. Within the
// batch, duplicates by (ip, port) collapse to the entry carrying the most
// specific metadata.
func (t *Transformer) Transform(result *types.ExtractResult) ([]types.Proxy, TransformStats) {
	stats := TransformStats{Input: len(result.Proxies)}

	byKey := make(map[string]*types.Proxy, len(result.Proxies))
	order := make([]string, 0, len(result.Proxies))

	for _, raw := range result.Proxies {
		proxy, ok := t.canonicalize(raw, result.Source)
		if !ok {
			stats.Invalid++
			continue
		}
		if t.filter != nil && !t.filter.admits(proxy) {
			stats.Filtered++
			continue
		}

		key := proxy.Key()
		existing, dup := byKey[key]
		if !dup {
			byKey[key] = proxy
			order = append(order, key)
			continue
		}

		stats.Duplicates++
		if specificity(proxy) > specificity(existing) {
			byKey[key] = proxy
		}
	}

	out := make([]types.Proxy, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	stats.Output = len(out)

	t.logger.WithFields(map[string]interface{}{
		"source": result.Source, "in": stats.Input, "out": stats.Output,
		"invalid": stats.Invalid, "dups": stats.Duplicates,
	}).Debug("batch transformed")

	return out, stats
}

// canonicalize applies the ordered normalization steps of one candidate.
func (t *Transformer) canonicalize(raw types.ProxyData, source string) (*types.Proxy, bool) {
	ip := FindIPv4(StripHTML(raw.IP))
	if ip == "" || !ValidIPv4(ip) {
		return nil, false
	}
	if raw.Port < 1 || raw.Port > 65535 {
		return nil, false
	}

	protocol := raw.Protocol
	if protocol == "" || !protocol.Valid() {
		protocol = types.ProtocolHTTP
	}

	anonymity := raw.Anonymity
	if anonymity == "" {
		anonymity = types.AnonymityUnknown
	}

	country := raw.Country
	if country != "" && len(country) != 2 {
		if code := ExtractCountryCode(country); code != "" {
			country = code
		}
	}

	lastChecked := raw.LastChecked
	if !lastChecked.IsZero() {
		lastChecked = lastChecked.UTC()
	}

	now := t.now().UTC()
	proxy := &types.Proxy{
		IP:        ip,
		Port:      raw.Port,
		Protocol:  protocol,
		Anonymity: anonymity,
		Country:   country,
		City:      raw.City,
		Source:    source,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if raw.SourceURL != "" {
		proxy.Metadata["source_url"] = raw.SourceURL
	}
	if !lastChecked.IsZero() {
		proxy.Metadata["source_last_checked"] = lastChecked.Format(time.RFC3339)
	}

	return proxy, true
}

// specificity scores how much optional metadata a candidate carries, so
// duplicate resolution keeps the richer record.
func specificity(p *types.Proxy) int {
	score := 0
	if p.Anonymity != types.AnonymityUnknown {
		score++
	}
	if p.Country != "" {
		score++
	}
	if p.City != "" {
		score++
	}
	score += len(p.Metadata)
	return score
}

func containsProtocol(list []types.Protocol, v types.Protocol) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsAnonymity(list []types.Anonymity, v types.Anonymity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
