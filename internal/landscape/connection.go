package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Backend names the SQL driver a Connection was opened with.
type Backend string

const (
	// BackendSQLite is the default local backend: a single file, opened
	// with WAL journaling and foreign-key enforcement on, per spec §5.
	BackendSQLite Backend = "sqlite3"
	// BackendPostgres is the production backend.
	BackendPostgres Backend = "postgres"
)

var (
	// ErrUnsupportedBackend is returned by NewConnection for an unknown backend.
	ErrUnsupportedBackend = errors.New("landscape: unsupported backend")
)

// Connection wraps *sql.DB with the backend-specific connection string and
// placeholder rebinding the Recorder needs to run identical query text
// against both sqlite3 (which uses "?") and postgres (which uses "$1, $2,
// ..."). Pool sizing and the startup health check mirror the teacher's
// storage.Connection.
type Connection struct {
	DB      *sql.DB
	Backend Backend
}

// NewConnection opens a pooled connection to dsn using backend's driver,
// configures the pool, and verifies connectivity with an immediate ping.
func NewConnection(ctx context.Context, backend Backend, dsn string) (*Connection, error) {
	var driverName string
	switch backend {
	case BackendSQLite:
		driverName = "sqlite3"
		dsn = ensureSQLitePragmas(dsn)
	case BackendPostgres:
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("landscape: open %s connection: %w", backend, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if backend == BackendSQLite {
		// SQLite has a single writer; avoid SQLITE_BUSY under concurrent
		// readers by limiting the pool.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("landscape: ping %s connection: %w", backend, err)
	}

	return &Connection{DB: db, Backend: backend}, nil
}

// ensureSQLitePragmas appends the WAL + foreign_keys pragmas the spec
// requires (§5: "SQLite backends must be opened with write-ahead logging
// and foreign-key enforcement on") if the caller's DSN doesn't already set
// them.
func ensureSQLitePragmas(dsn string) string {
	hasPragma := func(name string) bool { return strings.Contains(dsn, name) }

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !hasPragma("_journal_mode") {
		dsn += sep + "_journal_mode=WAL"
		sep = "&"
	}
	if !hasPragma("_foreign_keys") {
		dsn += sep + "_foreign_keys=on"
	}
	return dsn
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// rebind converts a query written with "?" placeholders into the dialect
// the connection's backend expects. SQLite uses "?" natively; postgres
// requires positional "$1, $2, ...".
func (c *Connection) rebind(query string) string {
	if c.Backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isConnectionError classifies errors that indicate the underlying
// connection, not the query, is the problem — grounded on the teacher's
// isDatabaseConnectionError. It checks only the stdlib's sql.ErrConnDone
// and sql.ErrTxDone sentinels; pq.Error class-08 codes are not recognized.
func isConnectionError(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}
