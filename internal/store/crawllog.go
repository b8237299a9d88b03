// internal/store/crawllog.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// CrawlLogFilter narrows crawl history queries.
type CrawlLogFilter struct {
	Source  string
	Success *bool
	Limit   int
	Offset  int
}

// AppendCrawlLog records one extractor run.
func (s *Store) AppendCrawlLog(ctx context.Context, log *types.CrawlLog) error {
	crawledAt := log.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = time.Now().UTC()
	}
	var metadata string
	if len(log.Metadata) > 0 {
		payload, err := json.Marshal(log.Metadata)
		if err == nil {
			metadata = string(payload)
		}
	}
	_, err := s.exec(ctx, `INSERT INTO proxy_crawl_logs
		(source, total_found, success, error_message, metadata, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.Source, log.TotalFound, log.Success, log.ErrorMessage, metadata, crawledAt.UTC())
	return err
}

// CrawlLogs returns crawl history rows, newest first.
func (s *Store) CrawlLogs(ctx context.Context, filter CrawlLogFilter) ([]*types.CrawlLog, error) {
	var clauses []string
	var args []interface{}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, *filter.Success)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.query(ctx, `SELECT id, source, total_found, success,
		error_message, metadata, crawled_at FROM proxy_crawl_logs`+where+
		` ORDER BY crawled_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*types.CrawlLog
	for rows.Next() {
		var (
			log      types.CrawlLog
			errMsg   sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&log.ID, &log.Source, &log.TotalFound,
			&log.Success, &errMsg, &metadata, &log.CrawledAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "crawl log scan failed", err)
		}
		log.ErrorMessage = errMsg.String
		if metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &log.Metadata)
		}
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "crawl log rows", err)
	}
	return logs, nil
}
