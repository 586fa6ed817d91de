package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// MigrationRunner is the contract cmd/elspeth's startup migration step and
// "validate" subcommand depend on, grounded on the teacher's migrator
// Runner interface.
type MigrationRunner interface {
	Up() error
	Down() error
	Status() error
	Version() (uint, bool, error)
	Drop() error
	Close() error
}

// Runner drives golang-migrate against either backend using the embedded
// schema, generalizing the teacher's Postgres-only runner to also build a
// sqlite3 driver.
type Runner struct {
	config            *Config
	migrate           *migrate.Migrate
	db                *sql.DB
	embeddedMigration *EmbeddedMigration
}

var _ MigrationRunner = (*Runner)(nil)

// migrateLogger adapts golang-migrate's log callback onto the standard
// logger, matching the teacher's migrateLogger shim.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { log.Printf("[MIGRATE] "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }

// NewMigrationRunner opens config.DatabaseURL with config.Backend's driver,
// validates the embedded schema, and wires a migrate.Migrate instance
// against it.
func NewMigrationRunner(config *Config) (*Runner, error) {
	log.Printf("migrations: initializing runner: %s", config.String())

	embedded := NewEmbeddedMigration(nil)
	if err := embedded.ValidateEmbeddedMigrations(); err != nil {
		return nil, fmt.Errorf("migrations: embedded schema invalid: %w", err)
	}

	driverName, buildDriver, err := databaseDriverFor(config.Backend)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", config.Backend, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: ping %s: %w", config.Backend, err)
	}

	driver, err := buildDriver(db, config.MigrationTable)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: build %s driver: %w", config.Backend, err)
	}

	sourceDriver, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: build source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(config.Backend), driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: build migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	return &Runner{config: config, migrate: m, db: db, embeddedMigration: embedded}, nil
}

// databaseDriverFor returns the sql driver name and a golang-migrate
// database.Driver constructor matching backend.
func databaseDriverFor(backend landscape.Backend) (string, func(*sql.DB, string) (database.Driver, error), error) {
	switch backend {
	case landscape.BackendSQLite:
		return "sqlite3", func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
		}, nil
	case landscape.BackendPostgres:
		return "postgres", func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}

// Up applies all pending migrations. Re-validates the embedded schema
// first, since a corrupted embed would otherwise apply partial SQL.
func (r *Runner) Up() error {
	if err := r.embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("migrations: pre-apply validation failed: %w", err)
	}
	if err := r.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Down rolls back a single migration step.
func (r *Runner) Down() error {
	if err := r.embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("migrations: pre-rollback validation failed: %w", err)
	}
	if err := r.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Status logs the currently applied version and its compatibility with
// the embedded schema's max sequence number.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Printf("migrations: no migrations applied yet")
			r.showSchemaCompatibility(0)
			return nil
		}
		return fmt.Errorf("migrations: status: %w", err)
	}
	log.Printf("migrations: current version %d (dirty=%t)", version, dirty)
	r.showSchemaCompatibility(int(version)) //nolint:gosec // version numbers fit comfortably in int
	return nil
}

// Version returns the currently applied version, or (0, false, nil) if no
// migrations have run yet.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Drop destroys all objects in the target schema. Destructive; callers
// must gate this behind an explicit confirmation.
func (r *Runner) Drop() error {
	if err := r.embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("migrations: pre-drop validation failed: %w", err)
	}
	return r.migrate.Drop()
}

// Close releases the source and database driver, joining any errors from
// each.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()
	return errors.Join(sourceErr, dbErr, r.db.Close())
}

func (r *Runner) showSchemaCompatibility(currentVersion int) {
	maxEmbedded := r.getMaxEmbeddedSchemaVersion()
	switch {
	case currentVersion == maxEmbedded:
		log.Printf("migrations: schema up to date (version %d)", currentVersion)
	case currentVersion < maxEmbedded:
		log.Printf("migrations: schema behind embedded migrations (applied %d, available %d)", currentVersion, maxEmbedded)
	default:
		log.Printf("migrations: applied version %d is ahead of embedded migrations (max %d)", currentVersion, maxEmbedded)
	}
}

func (r *Runner) getMaxEmbeddedSchemaVersion() int {
	files, err := r.embeddedMigration.ListEmbeddedMigrations()
	if err != nil {
		return 0
	}
	max := 0
	for _, f := range files {
		info, err := parseMigrationFilename(f)
		if err != nil {
			continue
		}
		if info.Sequence > max {
			max = info.Sequence
		}
	}
	return max
}
