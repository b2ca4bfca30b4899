package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	_ "modernc.org/sqlite"
)

// Handle owns the database connection used by the store
type Handle struct {
	DB   *sqlx.DB
	pool *pgxpool.Pool
}

// Open connects to the configured database and verifies the connection.
// Postgres goes through a pgx pool; sqlite runs in-process.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Handle, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url not configured")
	}

	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		return openPostgres(ctx, cfg.URL)
	case "sqlite":
		return OpenSQLite(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, url string) (*Handle, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	return &Handle{DB: sqlx.NewDb(sqlDB, "pgx"), pool: pool}, nil
}

// OpenSQLite opens an sqlite database. ":memory:" databases are pinned to a
// single connection so every query sees the same data. Pragmas travel in the
// DSN so the driver applies them to every pooled connection.
func OpenSQLite(ctx context.Context, path string) (*Handle, error) {
	memory := strings.Contains(path, ":memory:")

	db, err := sqlx.Open("sqlite", sqliteDSN(path, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Handle{DB: db}, nil
}

func (h *Handle) Close() {
	if h == nil {
		return
	}
	if h.DB != nil {
		h.DB.Close()
	}
	if h.pool != nil {
		h.pool.Close()
	}
}

func sqliteDSN(path string, memory bool) string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !memory {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=")
}
