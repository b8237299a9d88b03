// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
)

// upsertRetries bounds the optimistic-concurrency retry loop on merge
// updates.
const upsertRetries = 3

// Store is the SQL-backed proxy repository. It serves sqlite, postgres
// and mysql behind one query surface; placeholders are rebound per
// driver.
type Store struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	logger       utils.Logger
}

// Open connects to the configured database, applies pool settings and
// runs the schema migration.
func Open(cfg config.DatabaseConfig, logger utils.Logger) (*Store, error) {
	driver, dsn, err := driverDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseConnection, "failed to open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, utils.WrapError(utils.ErrCodeDatabaseConnection, "failed to ping database", err)
	}

	if driver == "sqlite3" {
		// SQLite works best with a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
		}
	}

	queryTimeout := cfg.QueryTimeout.Std()
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	s := &Store{
		db:           db,
		driver:       driver,
		queryTimeout: queryTimeout,
		logger:       logger.WithField("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func driverDSN(cfg config.DatabaseConfig) (driver, dsn string, err error) {
	switch cfg.Type {
	case "sqlite", "sqlite3", "":
		dsn = cfg.URL
		if dsn == "" {
			dsn = "proxyharvester.db"
		}
		if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
		return "sqlite3", dsn, nil
	case "postgres", "postgresql":
		return "postgres", cfg.URL, nil
	case "mysql":
		return "mysql", cfg.URL, nil
	default:
		return "", "", utils.NewError(utils.ErrCodeConfig, fmt.Sprintf("unsupported database type %q", cfg.Type))
	}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTimeout derives the per-query context.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// rebind converts ?-style placeholders to the driver's native form.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "exec failed", err)
	}
	return res, nil
}

// query and queryRow do not impose the query timeout themselves: the
// returned rows are consumed after this call, and cancelling early would
// abort the scan. Callers bound reads with their own context.
func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseQuery, "query failed", err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}
