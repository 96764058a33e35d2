// Package db opens the relay's database pools. SQLite is the default: one
// writer connection under WAL so journal append transactions serialize
// cleanly, plus a read-only pool for queries. Postgres over pgx is available
// for deployments that outgrow a single host.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaydev/relay/internal/common/config"
)

// Driver names accepted in database.driver.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// One writer keeps SQLITE_BUSY out of the append path; readers scale
	// separately under WAL.
	sqliteReaderConns = 4

	pgDefaultMaxConns = 25
	pgDefaultMinConns = 5
)

// Pool carries the writer and reader handles the stores run on. For SQLite
// they are distinct pools; for Postgres both are the same pgx-backed handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Open builds the pool for the configured driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return openPostgres(cfg)
	case DriverSQLite, "":
		return openSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer is the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the active driver.
func (p *Pool) DriverName() string { return p.driver }

// Close closes both handles, once each.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); err == nil {
			err = rErr
		}
	}
	return err
}

func openSQLite(cfg config.DatabaseConfig) (*Pool, error) {
	path, err := prepareSQLitePath(cfg.Path)
	if err != nil {
		return nil, err
	}

	writer, err := sqlx.Open(DriverSQLite, sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sqlx.Open(DriverSQLite, sqliteDSN(path, "ro"))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conns := cfg.MaxConns
	if conns <= 0 {
		conns = sqliteReaderConns
	}
	reader.SetMaxOpenConns(conns)
	reader.SetMaxIdleConns(conns)

	return &Pool{writer: writer, reader: reader, driver: DriverSQLite}, nil
}

// sqliteDSN builds the connection string. WAL and synchronous level are
// database-wide settings the writer establishes; the read-only pool only
// needs FK enforcement and the shared page cache.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
	if mode != "ro" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// prepareSQLitePath resolves the db file path, creating its directory and an
// empty file so the read-only pool can open before the first write.
func prepareSQLitePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("database.path is required for sqlite3")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("create database file: %w", err)
	}
	_ = f.Close()
	return path, nil
}

func openPostgres(cfg config.DatabaseConfig) (*Pool, error) {
	handle, err := sqlx.Open(DriverPostgres, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = pgDefaultMinConns
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(minConns)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// pgx pools internally; writer and reader share the handle.
	return &Pool{writer: handle, reader: handle, driver: DriverPostgres}, nil
}

// IsPostgres reports whether a sqlx driver name speaks Postgres. Stores use
// it to pick the column types the two drivers disagree on.
func IsPostgres(driverName string) bool {
	return driverName == DriverPostgres
}

// BoolToInt maps bools onto the INTEGER columns shared by both drivers.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
