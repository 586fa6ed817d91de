package migrations

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// Static errors for validation.
var (
	ErrDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
	ErrUnsupportedBackend  = errors.New("migrations: unsupported backend")
)

// Config holds the settings the migration Runner needs to reach either
// backend, grounded on the teacher's migrator Config but generalized
// beyond Postgres-only.
type Config struct {
	// Backend selects the driver: landscape.BackendSQLite or
	// landscape.BackendPostgres.
	Backend landscape.Backend

	// DatabaseURL is the DSN: a file path (optionally with sqlite
	// pragmas) for sqlite3, or a postgres connection string for postgres.
	DatabaseURL string

	// MigrationTable is the name golang-migrate uses to track applied
	// versions.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. ELSPETH_DB_BACKEND defaults to sqlite3, matching the "default
// local, Postgres for production" stance in spec §5.
func LoadConfig() (*Config, error) {
	config := &Config{
		Backend:        landscape.Backend(getEnvOrDefault("ELSPETH_DB_BACKEND", string(landscape.BackendSQLite))),
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", "elspeth.db"),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}
	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}
	switch c.Backend {
	case landscape.BackendSQLite, landscape.BackendPostgres:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBackend, c.Backend)
	}
	return nil
}

// String returns a representation safe for logging (password-masked).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Backend: %s, DatabaseURL: %s, MigrationTable: %s}",
		c.Backend, maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL masks a password embedded in a connection URL. Left
// untouched for sqlite file paths, which never carry user info.
func maskDatabaseURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}
	if u.User == nil {
		return urlStr
	}
	if password, hasPassword := u.User.Password(); hasPassword && password != "" {
		u.User = url.UserPassword(u.User.Username(), "***")
		result := u.String()
		return strings.Replace(result, "%2A%2A%2A", "***", 1)
	}
	return urlStr
}
