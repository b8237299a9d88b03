// internal/store/proxies.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// successRateSmoothing is the exponential-average factor applied when a
// new validation outcome folds into the stored success rate.
const successRateSmoothing = 0.2

// Filter narrows proxy queries. Zero values mean "any".
type Filter struct {
	Protocol        types.Protocol
	Country         string
	Anonymity       types.Anonymity
	IsActive        *bool
	Source          string
	MinResponseTime int64
	MaxResponseTime int64
	Page            int
	PageSize        int
}

// ProxyPage is one page of query results.
type ProxyPage struct {
	Proxies    []*types.Proxy `json:"proxies"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
}

// Stats aggregates pool counts.
type Stats struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Inactive    int            `json:"inactive"`
	ByProtocol  map[string]int `json:"by_protocol"`
	ByAnonymity map[string]int `json:"by_anonymity"`
	ByCountry   map[string]int `json:"by_country"`
	AvgScore    float64        `json:"avg_quality_score"`
}

const proxyColumns = `id, ip, port, protocol, country, region, city, anonymity, source,
	response_time_ms, success_rate, quality_score, is_active, metadata,
	created_at, updated_at, last_checked, last_success`

// Upsert inserts a proxy or merges it into the existing (ip, port) row.
// Merging overwrites freshly observed fields, unions metadata, and never
// touches created_at or regresses last_success.
func (s *Store) Upsert(ctx context.Context, proxy *types.Proxy) (*types.Proxy, error) {
	if err := proxy.Validate(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "invalid proxy", err)
	}

	for attempt := 0; attempt < upsertRetries; attempt++ {
		existing, err := s.GetByKey(ctx, proxy.IP, proxy.Port)
		if err != nil && utils.CodeOf(err) != utils.ErrCodeProxyNotFound {
			return nil, err
		}

		if existing == nil {
			inserted, err := s.insert(ctx, proxy)
			if err == nil {
				return inserted, nil
			}
			// Lost an insert race; retry as a merge.
			if isDuplicateErr(err) {
				continue
			}
			return nil, err
		}

		merged := mergeProxy(existing, proxy)
		ok, err := s.updateMerged(ctx, merged, existing.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.GetByKey(ctx, proxy.IP, proxy.Port)
		}
		// updated_at moved under us; reload and retry.
	}
	return nil, utils.NewError(utils.ErrCodeDatabaseQuery, "upsert contention exhausted retries")
}

func (s *Store) insert(ctx context.Context, proxy *types.Proxy) (*types.Proxy, error) {
	now := time.Now().UTC()
	protocol := proxy.Protocol
	if protocol == "" {
		protocol = types.ProtocolHTTP
	}
	anonymity := proxy.Anonymity
	if anonymity == "" {
		anonymity = types.AnonymityUnknown
	}

	_, err := s.exec(ctx, `INSERT INTO proxies
		(ip, port, protocol, country, region, city, anonymity, source,
		 response_time_ms, success_rate, quality_score, is_active, metadata,
		 created_at, updated_at, last_checked, last_success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		proxy.IP, proxy.Port, string(protocol), proxy.Country, proxy.Region,
		proxy.City, string(anonymity), proxy.Source, proxy.ResponseTimeMs,
		proxy.SuccessRate, proxy.QualityScore, proxy.IsActive,
		encodeMetadata(proxy.Metadata), now, now,
		nullTime(proxy.LastChecked), nullTime(proxy.LastSuccess))
	if err != nil {
		return nil, err
	}
	return s.GetByKey(ctx, proxy.IP, proxy.Port)
}

// mergeProxy applies the upsert merge rule onto a copy of the stored row.
func mergeProxy(existing, incoming *types.Proxy) *types.Proxy {
	merged := *existing

	if incoming.Protocol != "" {
		merged.Protocol = incoming.Protocol
	}
	if incoming.Anonymity != "" && incoming.Anonymity != types.AnonymityUnknown {
		merged.Anonymity = incoming.Anonymity
	}
	if incoming.Country != "" {
		merged.Country = incoming.Country
	}
	if incoming.Region != "" {
		merged.Region = incoming.Region
	}
	if incoming.City != "" {
		merged.City = incoming.City
	}
	if incoming.Source != "" {
		merged.Source = incoming.Source
	}
	if incoming.LastChecked.After(merged.LastChecked) {
		merged.LastChecked = incoming.LastChecked
	}
	// last_success only moves forward.
	if incoming.LastSuccess.After(merged.LastSuccess) {
		merged.LastSuccess = incoming.LastSuccess
	}

	if len(incoming.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]string, len(incoming.Metadata))
		} else {
			// Copy so the caller's row stays untouched on retry.
			union := make(map[string]string, len(merged.Metadata)+len(incoming.Metadata))
			for k, v := range merged.Metadata {
				union[k] = v
			}
			merged.Metadata = union
		}
		for k, v := range incoming.Metadata {
			merged.Metadata[k] = v
		}
	}
	return &merged
}

// updateMerged writes the merged row guarded by the optimistic updated_at
// check. It reports whether the guard held.
func (s *Store) updateMerged(ctx context.Context, merged *types.Proxy, seenUpdatedAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE proxies SET
		protocol = ?, country = ?, region = ?, city = ?, anonymity = ?,
		source = ?, metadata = ?, updated_at = ?, last_checked = ?, last_success = ?
		WHERE id = ? AND updated_at = ?`,
		string(merged.Protocol), merged.Country, merged.Region, merged.City,
		string(merged.Anonymity), merged.Source, encodeMetadata(merged.Metadata),
		time.Now().UTC(), nullTime(merged.LastChecked), nullTime(merged.LastSuccess),
		merged.ID, seenUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabaseQuery, "rows affected", err)
	}
	return n == 1, nil
}

// Get fetches one proxy by ID.
func (s *Store) Get(ctx context.Context, id int64) (*types.Proxy, error) {
	row := s.queryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = ?`, id)
	proxy, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewError(utils.ErrCodeProxyNotFound, fmt.Sprintf("proxy %d not found", id))
	}
	return proxy, err
}

// GetByKey fetches one proxy by its (ip, port) identity.
func (s *Store) GetByKey(ctx context.Context, ip string, port int) (*types.Proxy, error) {
	row := s.queryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE ip = ? AND port = ?`, ip, port)
	proxy, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewError(utils.ErrCodeProxyNotFound, fmt.Sprintf("proxy %s:%d not found", ip, port))
	}
	return proxy, err
}

// Query returns one page of proxies matching the filter, newest quality
// first.
func (s *Store) Query(ctx context.Context, filter Filter) (*ProxyPage, error) {
	where, args := buildWhere(filter)

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM proxies`+where, args...).Scan(&total); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "count failed", err)
	}

	rows, err := s.query(ctx,
		`SELECT `+proxyColumns+` FROM proxies`+where+
			` ORDER BY quality_score DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proxies, err := scanProxies(rows)
	if err != nil {
		return nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	return &ProxyPage{
		Proxies:    proxies,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// Random returns one random active proxy matching the filter.
func (s *Store) Random(ctx context.Context, filter Filter) (*types.Proxy, error) {
	active := true
	filter.IsActive = &active
	where, args := buildWhere(filter)

	random := "RANDOM()"
	if s.driver == "mysql" {
		random = "RAND()"
	}

	row := s.queryRow(ctx, `SELECT `+proxyColumns+` FROM proxies`+where+` ORDER BY `+random+` LIMIT 1`, args...)
	proxy, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewError(utils.ErrCodeProxyPoolEmpty, "no active proxy matches the filter")
	}
	return proxy, err
}

// UpdateStatus folds a finished validation round into the proxy row and
// appends the check record. The success rate is an exponential average.
func (s *Store) UpdateStatus(ctx context.Context, id int64, result *types.ValidationResult, isActive bool) error {
	proxy, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	outcome := 0.0
	if result.Success {
		outcome = 1.0
	}
	newRate := proxy.SuccessRate*(1-successRateSmoothing) + outcome*successRateSmoothing

	now := time.Now().UTC()
	lastSuccess := nullTime(proxy.LastSuccess)
	if result.Success {
		// The successful round finished at completed_at; stamping any
		// later wall-clock time here would put last_success ahead of
		// last_checked.
		lastSuccess = nullTime(result.CompletedAt.UTC())
	}

	// Later completed_at wins for the latest_* fields; history keeps both.
	guard := ""
	guardArgs := []interface{}{id}
	if !proxy.LastChecked.IsZero() {
		guard = ` AND (last_checked IS NULL OR last_checked <= ?)`
		guardArgs = append(guardArgs, result.CompletedAt.UTC())
	}

	_, err = s.exec(ctx, `UPDATE proxies SET
		response_time_ms = ?, success_rate = ?, quality_score = ?,
		is_active = ?, anonymity = ?, last_checked = ?, updated_at = ?,
		last_success = ?
		WHERE id = ?`+guard,
		append([]interface{}{
			result.ResponseTimeMs, newRate, result.CompositeScore,
			isActive, string(result.AnonymityLevel), result.CompletedAt.UTC(), now,
			lastSuccess,
		}, guardArgs...)...)
	if err != nil {
		return err
	}

	return s.AppendCheckRecord(ctx, &types.CheckRecord{
		ProxyID:        id,
		IsSuccessful:   result.Success,
		ResponseTimeMs: result.ResponseTimeMs,
		CompositeScore: result.CompositeScore,
		ErrorMessage:   result.Connectivity.Error,
		CheckType:      string(result.Level),
		CheckedAt:      result.CompletedAt.UTC(),
	})
}

// Delete removes a proxy by ID.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewError(utils.ErrCodeProxyNotFound, fmt.Sprintf("proxy %d not found", id))
	}
	return nil
}

// Cleanup deletes inactive proxies whose last success is older than the
// given number of days, returning how many rows went away.
func (s *Store) Cleanup(ctx context.Context, inactiveDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -inactiveDays)
	res, err := s.exec(ctx,
		`DELETE FROM proxies WHERE is_active = ? AND (last_success IS NULL OR last_success < ?)`,
		false, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabaseQuery, "rows affected", err)
	}
	return n, nil
}

// Stats aggregates pool counters for the API.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByProtocol:  map[string]int{},
		ByAnonymity: map[string]int{},
		ByCountry:   map[string]int{},
	}

	row := s.queryRow(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(quality_score), 0) FROM proxies`)
	if err := row.Scan(&stats.Total, &stats.Active, &stats.AvgScore); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "stats failed", err)
	}
	stats.Inactive = stats.Total - stats.Active

	for column, dest := range map[string]map[string]int{
		"protocol":  stats.ByProtocol,
		"anonymity": stats.ByAnonymity,
		"country":   stats.ByCountry,
	} {
		rows, err := s.query(ctx, `SELECT `+column+`, COUNT(*) FROM proxies GROUP BY `+column)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key sql.NullString
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "stats scan failed", err)
			}
			name := key.String
			if name == "" {
				name = "unknown"
			}
			dest[name] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "stats rows", err)
		}
		rows.Close()
	}
	return stats, nil
}

func buildWhere(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.Protocol != "" {
		clauses = append(clauses, "protocol = ?")
		args = append(args, string(filter.Protocol))
	}
	if filter.Country != "" {
		clauses = append(clauses, "country = ?")
		args = append(args, filter.Country)
	}
	if filter.Anonymity != "" {
		clauses = append(clauses, "anonymity = ?")
		args = append(args, string(filter.Anonymity))
	}
	if filter.IsActive != nil {
		clauses = append(clauses, "is_active = ?")
		args = append(args, *filter.IsActive)
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.MinResponseTime > 0 {
		clauses = append(clauses, "response_time_ms >= ?")
		args = append(args, filter.MinResponseTime)
	}
	if filter.MaxResponseTime > 0 {
		clauses = append(clauses, "response_time_ms <= ?")
		args = append(args, filter.MaxResponseTime)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProxy(row rowScanner) (*types.Proxy, error) {
	var (
		p                        types.Proxy
		country, region, city    sql.NullString
		source, metadata         sql.NullString
		lastChecked, lastSuccess sql.NullTime
	)
	err := row.Scan(&p.ID, &p.IP, &p.Port, &p.Protocol, &country, &region,
		&city, &p.Anonymity, &source, &p.ResponseTimeMs, &p.SuccessRate,
		&p.QualityScore, &p.IsActive, &metadata, &p.CreatedAt, &p.UpdatedAt,
		&lastChecked, &lastSuccess)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "scan failed", err)
	}

	p.Country = country.String
	p.Region = region.String
	p.City = city.String
	p.Source = source.String
	p.LastChecked = lastChecked.Time
	p.LastSuccess = lastSuccess.Time
	p.Metadata = decodeMetadata(metadata.String)
	return &p, nil
}

func scanProxies(rows *sql.Rows) ([]*types.Proxy, error) {
	var proxies []*types.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "rows iteration", err)
	}
	return proxies, nil
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(payload)
}

func decodeMetadata(payload string) map[string]string {
	if payload == "" {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(payload), &metadata); err != nil {
		return nil
	}
	return metadata
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// isDuplicateErr matches unique-constraint violations across drivers.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql
}
