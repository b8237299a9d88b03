// internal/store/schema.go
package store

import (
	"fmt"
	"strings"
)

// Schema is written in a neutral dialect; {{PK}} expands to the driver's
// auto-increment primary key column.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS proxies (
		id {{PK}},
		ip TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'http',
		country TEXT,
		region TEXT,
		city TEXT,
		anonymity TEXT NOT NULL DEFAULT 'unknown',
		source TEXT,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_checked TIMESTAMP,
		last_success TIMESTAMP,
		UNIQUE (ip, port)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proxies_active_protocol ON proxies (is_active, protocol)`,
	`CREATE INDEX IF NOT EXISTS idx_proxies_quality ON proxies (quality_score)`,
	`CREATE INDEX IF NOT EXISTS idx_proxies_last_checked ON proxies (last_checked)`,

	`CREATE TABLE IF NOT EXISTS proxy_sources (
		id {{PK}},
		name TEXT NOT NULL UNIQUE,
		source_type TEXT NOT NULL,
		config TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 5,
		last_crawl TIMESTAMP,
		crawl_interval_seconds BIGINT NOT NULL DEFAULT 3600,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS proxy_check_results (
		id {{PK}},
		proxy_id BIGINT NOT NULL,
		is_successful BOOLEAN NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_message TEXT,
		check_type TEXT,
		target_url TEXT,
		status_code INTEGER,
		checked_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_check_results_proxy ON proxy_check_results (proxy_id, checked_at)`,

	`CREATE TABLE IF NOT EXISTS proxy_crawl_logs (
		id {{PK}},
		source TEXT NOT NULL,
		total_found INTEGER NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		metadata TEXT,
		crawled_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_logs_source ON proxy_crawl_logs (source, crawled_at)`,
}

func (s *Store) pkColumn() string {
	switch s.driver {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// migrate creates missing tables and indexes. Statements are idempotent.
func (s *Store) migrate() error {
	pk := s.pkColumn()
	for _, stmt := range schema {
		ddl := strings.ReplaceAll(stmt, "{{PK}}", pk)
		if s.driver == "mysql" {
			// MySQL predates IF NOT EXISTS on CREATE INDEX; tolerate the
			// duplicate-key error instead.
			if strings.HasPrefix(ddl, "CREATE INDEX IF NOT EXISTS") {
				ddl = strings.Replace(ddl, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
				if _, err := s.db.Exec(ddl); err != nil && !strings.Contains(err.Error(), "Duplicate key name") {
					return fmt.Errorf("migration failed: %w", err)
				}
				continue
			}
		}
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
