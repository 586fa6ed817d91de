// Package config provides configuration and shared test utilities for ELSPETH.
package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/migrations"
)

const (
	occurrenceCount = 2
	startUpTimeOut  = 120 * time.Second
)

// TestLandscape encapsulates a disposable Postgres-backed Landscape for
// integration tests that need the production backend rather than the
// sqlite temp-file helper most package tests use.
type TestLandscape struct {
	Container  *postgres.PostgresContainer
	Connection *landscape.Connection
}

// SetupTestLandscape starts a Postgres container, applies the embedded
// Landscape schema migrations against it, and returns an open Connection.
//
// Usage:
//
//	func TestSomethingAgainstPostgres(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		tl := config.SetupTestLandscape(context.Background(), t)
//		t.Cleanup(func() { tl.Close(context.Background()) })
//		// ... test code against tl.Connection
//	}
func SetupTestLandscape(ctx context.Context, t *testing.T) *TestLandscape {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("elspeth_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	runner, err := migrations.NewMigrationRunner(&migrations.Config{
		Backend:        landscape.BackendPostgres,
		DatabaseURL:    connStr,
		MigrationTable: "schema_migrations",
	})
	require.NoError(t, err, "failed to build migration runner")
	require.NoError(t, runner.Up(), "failed to apply landscape schema")
	require.NoError(t, runner.Close())

	conn, err := landscape.NewConnection(ctx, landscape.BackendPostgres, connStr)
	require.NoError(t, err, "failed to open landscape connection")

	return &TestLandscape{Container: pgContainer, Connection: conn}
}

// Close tears down the connection and the backing container.
func (tl *TestLandscape) Close(ctx context.Context) {
	_ = tl.Connection.Close()
	_ = testcontainers.TerminateContainer(tl.Container)
}
