package lineage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/lineage"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
	"github.com/tachyon-beep/elspeth/migrations"
)

func newTestRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()
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
	t.Cleanup(func() { conn.Close() })

	return landscape.NewRecorder(conn, nil)
}

func TestExplain_ByTokenID(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "src", "stub_source", landscape.NodeSource, "1.0.0", nil, nil)
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "sink1", "stub_sink", landscape.NodeSink, "1.0.0", nil, nil)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	state, err := r.BeginNodeState(ctx, token.TokenID, "sink1", 1, 1, "hash1", nil)
	require.NoError(t, err)
	require.NoError(t, r.CompleteNodeState(ctx, state.StateID, "hash2", nil, 5))
	_, err = r.RecordTokenOutcome(ctx, token.TokenID, run.RunID, landscape.OutcomeCompleted, "sink1", true)
	require.NoError(t, err)

	result, err := lineage.Explain(ctx, r, run.RunID, token.TokenID, "", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, token.TokenID, result.Token.TokenID)
	require.Equal(t, row.RowID, result.SourceRow.RowID)
	require.Len(t, result.NodeStates, 1)
	require.NotNil(t, result.Outcome)
	require.Equal(t, landscape.OutcomeCompleted, result.Outcome.Outcome)
}

func TestExplain_ByRowID_SingleToken(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "src", "stub_source", landscape.NodeSource, "1.0.0", nil, nil)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	result, err := lineage.Explain(ctx, r, run.RunID, "", row.RowID, "")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, token.TokenID, result.Token.TokenID)
}

func TestExplain_ByRowID_NoTokens(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)

	result, err := lineage.Explain(ctx, r, run.RunID, "", "nonexistent-row", "")
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestExplain_ByRowID_AmbiguousWithoutSink(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "src", "stub_source", landscape.NodeSource, "1.0.0", nil, nil)
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "sinkA", "stub_sink", landscape.NodeSink, "1.0.0", nil, nil)
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "sinkB", "stub_sink", landscape.NodeSink, "1.0.0", nil, nil)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	tokenA, err := r.CreateToken(ctx, row.RowID, "a", nil)
	require.NoError(t, err)
	tokenB, err := r.CreateToken(ctx, row.RowID, "b", nil)
	require.NoError(t, err)
	_, err = r.RecordTokenOutcome(ctx, tokenA.TokenID, run.RunID, landscape.OutcomeCompleted, "sinkA", true)
	require.NoError(t, err)
	_, err = r.RecordTokenOutcome(ctx, tokenB.TokenID, run.RunID, landscape.OutcomeCompleted, "sinkB", true)
	require.NoError(t, err)

	_, err = lineage.Explain(ctx, r, run.RunID, "", row.RowID, "")
	require.ErrorIs(t, err, lineage.ErrAmbiguousRow)

	result, err := lineage.Explain(ctx, r, run.RunID, "", row.RowID, "sinkA")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, tokenA.TokenID, result.Token.TokenID)
}

func TestExplain_ValidationErrorsSurfaced(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	_, err = r.RegisterNode(ctx, run.RunID, "src", "stub_source", landscape.NodeSource, "1.0.0", nil, nil)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	state, err := r.BeginNodeState(ctx, token.TokenID, "src", 1, 1, "hash1", nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordValidationError(ctx, state.StateID, pluginapi.ValidationError{
		ErrorType:    "malformed_row",
		ErrorMessage: "not a row",
	}))
	require.NoError(t, r.FailNodeState(ctx, state.StateID, pluginapi.NewExecutionError(errBoom)))

	result, err := lineage.Explain(ctx, r, run.RunID, token.TokenID, "", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Contains(t, result.ValidationErrors, state.StateID)
	require.Equal(t, "malformed_row", result.ValidationErrors[state.StateID][0].ErrorType)
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
