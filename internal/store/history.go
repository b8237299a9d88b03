// internal/store/history.go
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// AppendCheckRecord stores one validation outcome in the rolling history.
func (s *Store) AppendCheckRecord(ctx context.Context, record *types.CheckRecord) error {
	checkedAt := record.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO proxy_check_results
		(proxy_id, is_successful, response_time_ms, composite_score,
		 error_message, check_type, target_url, status_code, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ProxyID, record.IsSuccessful, record.ResponseTimeMs,
		record.CompositeScore, record.ErrorMessage, record.CheckType,
		record.TargetURL, record.StatusCode, checkedAt.UTC())
	return err
}

// RecentResults returns a proxy's newest history rows inside the window,
// newest first. It satisfies the validator's HistoryProvider.
func (s *Store) RecentResults(ctx context.Context, ip string, port int, limit int, window time.Duration) ([]types.CheckRecord, error) {
	proxy, err := s.GetByKey(ctx, ip, port)
	if err != nil {
		if utils.CodeOf(err) == utils.ErrCodeProxyNotFound {
			return nil, nil
		}
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	cutoff := time.Now().UTC().Add(-window)

	rows, err := s.query(ctx, `SELECT id, proxy_id, is_successful,
		response_time_ms, composite_score, error_message, check_type,
		target_url, status_code, checked_at
		FROM proxy_check_results
		WHERE proxy_id = ? AND checked_at >= ?
		ORDER BY checked_at DESC LIMIT ?`,
		proxy.ID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.CheckRecord
	for rows.Next() {
		var (
			r          types.CheckRecord
			errMsg     sql.NullString
			checkType  sql.NullString
			targetURL  sql.NullString
			statusCode sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ProxyID, &r.IsSuccessful,
			&r.ResponseTimeMs, &r.CompositeScore, &errMsg, &checkType,
			&targetURL, &statusCode, &r.CheckedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "history scan failed", err)
		}
		r.ErrorMessage = errMsg.String
		r.CheckType = checkType.String
		r.TargetURL = targetURL.String
		r.StatusCode = int(statusCode.Int64)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "history rows", err)
	}
	return records, nil
}

// PruneHistory deletes history rows older than the window, keeping the
// results table bounded.
func (s *Store) PruneHistory(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)
	res, err := s.exec(ctx, `DELETE FROM proxy_check_results WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabaseQuery, "rows affected", err)
	}
	return n, nil
}
