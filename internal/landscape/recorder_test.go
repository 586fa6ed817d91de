package landscape_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/landscape"
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

func TestRecorder_BeginAndCompleteRun(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{"pipeline": "test"}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	require.Equal(t, landscape.RunRunning, run.Status)
	require.Len(t, run.RunID, 64)

	require.NoError(t, r.CompleteRun(ctx, run.RunID, landscape.RunCompleted))

	latest, err := r.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, run.RunID, latest.RunID)
	require.Equal(t, landscape.RunCompleted, latest.Status)
}

func TestRecorder_CompleteRunRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	err = r.CompleteRun(ctx, run.RunID, landscape.RunRunning)
	require.Error(t, err)
}

func TestRecorder_FullTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)

	sourceNode, err := r.RegisterNode(ctx, run.RunID, "node-source", "csv_source", landscape.NodeSource, "1.0.0", map[string]any{"path": "in.csv"}, nil)
	require.NoError(t, err)

	sinkNode, err := r.RegisterNode(ctx, run.RunID, "node-sink", "file_sink", landscape.NodeSink, "1.0.0", map[string]any{"path": "out.csv"}, nil)
	require.NoError(t, err)

	_, err = r.RegisterEdge(ctx, run.RunID, sourceNode.NodeID, sinkNode.NodeID, "continue", landscape.MOVE)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, sourceNode.NodeID, 0, map[string]any{"a": 1}, nil)
	require.NoError(t, err)

	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	state, err := r.BeginNodeState(ctx, token.TokenID, sourceNode.NodeID, 0, 1, row.SourceDataHash, nil)
	require.NoError(t, err)
	require.NoError(t, r.CompleteNodeState(ctx, state.StateID, row.SourceDataHash, nil, 5))

	outcome, err := r.RecordTokenOutcome(ctx, token.TokenID, run.RunID, landscape.OutcomeCompleted, sinkNode.NodeID, true)
	require.NoError(t, err)
	require.True(t, outcome.IsTerminal)

	fetched, err := r.GetTokenOutcome(ctx, token.TokenID)
	require.NoError(t, err)
	require.Equal(t, landscape.OutcomeCompleted, fetched.Outcome)

	states, err := r.GetNodeStatesForToken(ctx, token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, landscape.StateCompleted, states[0].Status)
}

func TestRecorder_FailNodeStateRecordsExecutionError(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	node, err := r.RegisterNode(ctx, run.RunID, "node-1", "transform", landscape.NodeTransform, "1.0.0", map[string]any{}, nil)
	require.NoError(t, err)
	row, err := r.CreateRow(ctx, run.RunID, node.NodeID, 0, map[string]any{}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	state, err := r.BeginNodeState(ctx, token.TokenID, node.NodeID, 0, 1, "hash", nil)
	require.NoError(t, err)

	execErr := pluginapi.NewExecutionError(context.DeadlineExceeded)
	require.NoError(t, r.FailNodeState(ctx, state.StateID, execErr))

	states, err := r.GetNodeStatesForToken(ctx, token.TokenID)
	require.NoError(t, err)
	require.Equal(t, landscape.StateFailed, states[0].Status)
	require.NotEmpty(t, states[0].ErrorJSON)
}

func TestRecorder_BatchLifecycleAndRetry(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	aggNode, err := r.RegisterNode(ctx, run.RunID, "node-agg", "batcher", landscape.NodeAggregation, "1.0.0", map[string]any{}, nil)
	require.NoError(t, err)

	batch, err := r.CreateBatch(ctx, run.RunID, aggNode.NodeID, 1)
	require.NoError(t, err)

	row, err := r.CreateRow(ctx, run.RunID, aggNode.NodeID, 0, map[string]any{}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	require.NoError(t, r.AddBatchMember(ctx, batch.BatchID, token.TokenID, 0))
	require.NoError(t, r.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchExecuting))
	require.NoError(t, r.CompleteBatch(ctx, batch.BatchID, landscape.BatchFailed))

	retried, err := r.RetryBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Equal(t, 2, retried.Attempt)
	require.Equal(t, landscape.BatchDraft, retried.Status)

	members, err := r.GetBatchMembers(ctx, retried.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, token.TokenID, members[0].TokenID)
}

func TestRecorder_CheckpointAndResumePoint(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run, err := r.BeginRun(ctx, map[string]any{}, "sha256-rfc8785-v1")
	require.NoError(t, err)
	node, err := r.RegisterNode(ctx, run.RunID, "node-agg", "batcher", landscape.NodeAggregation, "1.0.0", map[string]any{}, nil)
	require.NoError(t, err)
	row, err := r.CreateRow(ctx, run.RunID, node.NodeID, 0, map[string]any{}, nil)
	require.NoError(t, err)
	token, err := r.CreateToken(ctx, row.RowID, "", nil)
	require.NoError(t, err)

	_, err = r.CreateCheckpoint(ctx, run.RunID, token.TokenID, node.NodeID, 1, map[string]any{"count": 3})
	require.NoError(t, err)

	resume, err := r.GetResumePoint(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, int64(1), resume.SequenceNumber)
	require.Equal(t, token.TokenID, resume.TokenID)
}

func TestRecorder_NotFoundSentinels(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	_, err := r.GetRow(ctx, "missing")
	require.ErrorIs(t, err, landscape.ErrNotFound)

	_, err = r.GetTokenOutcome(ctx, "missing")
	require.ErrorIs(t, err, landscape.ErrNotFound)
}
