package migrations

import (
	"path/filepath"
	"testing"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "landscape.db")
	config := &Config{
		Backend:        landscape.BackendSQLite,
		DatabaseURL:    dbPath,
		MigrationTable: "schema_migrations",
	}
	runner, err := NewMigrationRunner(config)
	if err != nil {
		t.Fatalf("NewMigrationRunner: %v", err)
	}
	t.Cleanup(func() { runner.Close() })
	return runner
}

func TestRunner_UpThenStatus(t *testing.T) {
	runner := newTestRunner(t)

	if err := runner.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}

	version, dirty, err := runner.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after applying the landscape schema, got %d", version)
	}
	if dirty {
		t.Error("expected clean version after successful Up")
	}

	if err := runner.Status(); err != nil {
		t.Errorf("Status: %v", err)
	}
}

func TestRunner_UpIsIdempotent(t *testing.T) {
	runner := newTestRunner(t)

	if err := runner.Up(); err != nil {
		t.Fatalf("first Up: %v", err)
	}
	if err := runner.Up(); err != nil {
		t.Fatalf("second Up should be a no-op, got: %v", err)
	}
}

func TestRunner_UpThenDown(t *testing.T) {
	runner := newTestRunner(t)

	if err := runner.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := runner.Down(); err != nil {
		t.Fatalf("Down: %v", err)
	}

	version, _, err := runner.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 after rolling back the only migration, got %d", version)
	}
}

func TestNewMigrationRunner_RejectsUnsupportedBackend(t *testing.T) {
	config := &Config{Backend: "mysql", DatabaseURL: "x", MigrationTable: "schema_migrations"}
	if _, err := NewMigrationRunner(config); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
