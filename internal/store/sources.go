// internal/store/sources.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
)

// SourceRecord mirrors one configured source in the database so crawl
// bookkeeping (last run, success rate) survives restarts.
type SourceRecord struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	SourceType    string    `json:"source_type"`
	IsActive      bool      `json:"is_active"`
	Priority      int       `json:"priority"`
	LastCrawl     time.Time `json:"last_crawl,omitempty"`
	CrawlInterval int64     `json:"crawl_interval_seconds"`
	SuccessRate   float64   `json:"success_rate"`
}

// SyncSource registers or refreshes a configured source row.
func (s *Store) SyncSource(ctx context.Context, cfg config.SourceConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return utils.WrapError(utils.ErrCodeConfig, "failed to encode source config", err)
	}
	interval := int64(cfg.CrawlInterval.Std().Seconds())
	if interval <= 0 {
		interval = 3600
	}

	res, err := s.exec(ctx, `UPDATE proxy_sources SET
		source_type = ?, config = ?, is_active = ?, priority = ?, crawl_interval_seconds = ?
		WHERE name = ?`,
		cfg.Type, string(blob), cfg.Enabled, cfg.Priority, interval, cfg.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.exec(ctx, `INSERT INTO proxy_sources
		(name, source_type, config, is_active, priority, crawl_interval_seconds, success_rate)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		cfg.Name, cfg.Type, string(blob), cfg.Enabled, cfg.Priority, interval)
	if err != nil && isDuplicateErr(err) {
		return nil
	}
	return err
}

// TouchSourceCrawl records a finished crawl for the source, folding the
// outcome into its exponential success rate.
func (s *Store) TouchSourceCrawl(ctx context.Context, name string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	_, err := s.exec(ctx, `UPDATE proxy_sources SET
		last_crawl = ?, success_rate = success_rate * 0.8 + ? * 0.2
		WHERE name = ?`,
		time.Now().UTC(), outcome, name)
	return err
}

// Sources lists the registered source rows ordered by priority.
func (s *Store) Sources(ctx context.Context) ([]*SourceRecord, error) {
	rows, err := s.query(ctx, `SELECT id, name, source_type, is_active,
		priority, last_crawl, crawl_interval_seconds, success_rate
		FROM proxy_sources ORDER BY priority DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SourceRecord
	for rows.Next() {
		var (
			r         SourceRecord
			lastCrawl sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.SourceType, &r.IsActive,
			&r.Priority, &lastCrawl, &r.CrawlInterval, &r.SuccessRate); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "source scan failed", err)
		}
		r.LastCrawl = lastCrawl.Time
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "source rows", err)
	}
	return records, nil
}

// Source fetches one source row by name.
func (s *Store) Source(ctx context.Context, name string) (*SourceRecord, error) {
	row := s.queryRow(ctx, `SELECT id, name, source_type, is_active,
		priority, last_crawl, crawl_interval_seconds, success_rate
		FROM proxy_sources WHERE name = ?`, name)

	var (
		r         SourceRecord
		lastCrawl sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Name, &r.SourceType, &r.IsActive,
		&r.Priority, &lastCrawl, &r.CrawlInterval, &r.SuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewError(utils.ErrCodeProxyNotFound, "source "+name+" not found")
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "source scan failed", err)
	}
	r.LastCrawl = lastCrawl.Time
	return &r, nil
}
