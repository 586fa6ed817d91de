package landscape_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/migrations"
)

func TestRetentionWorker_StartCloseIsSafe(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "landscape.db")

	runner, err := migrations.NewMigrationRunner(&migrations.Config{
		Backend:        landscape.BackendSQLite,
		DatabaseURL:    dbPath,
		MigrationTable: "schema_migrations",
	})
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Close())

	conn, err := landscape.NewConnection(ctx, landscape.BackendSQLite, dbPath)
	require.NoError(t, err)
	defer conn.Close()

	recorder := landscape.NewRecorder(conn, nil)
	worker := landscape.NewRetentionWorker(recorder, nil, 10*time.Millisecond, time.Hour)
	worker.Start()

	time.Sleep(25 * time.Millisecond)
	worker.Close()
	worker.Close() // idempotent
}
