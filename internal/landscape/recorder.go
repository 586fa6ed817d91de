package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// Recorder is the Landscape's single transactional writer. Every method
// that represents one user-visible event opens its own transaction,
// performs all of its inserts, and commits — the same begin/defer-
// rollback/commit shape the teacher's LineageStore uses for StoreEvent.
// The Recorder serializes writes per run by construction: callers are
// expected to hold one Recorder per active run.
type Recorder struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRecorder wraps conn. logger defaults to slog.Default() if nil.
func NewRecorder(conn *Connection, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{conn: conn, logger: logger}
}

// newID returns an opaque 64-character hex identifier. The generator is
// intentionally treated as private to callers: it happens to be the
// SHA-256 digest of a random UUIDv4, which gives both global uniqueness
// (from uuid) and the fixed-width hex shape the schema's PKs require.
func newID() string {
	return canonical.HashBytes([]byte(uuid.New().String()))
}

func marshalJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("landscape: marshal json: %w", err)
	}
	return b, nil
}

func (r *Recorder) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("landscape: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // safe no-op after Commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("landscape: commit transaction: %w", err)
	}
	return nil
}

func (r *Recorder) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, r.conn.rebind(query), args...)
	return err
}

// BeginRun opens a new Run with status=running.
func (r *Recorder) BeginRun(ctx context.Context, config map[string]any, canonicalVersion string) (*Run, error) {
	configHash, configJSON, err := canonical.Hash(config)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash run config: %w", err)
	}

	run := &Run{
		RunID:            newID(),
		StartedAt:        time.Now().UTC(),
		ConfigHash:       configHash,
		SettingsJSON:     configJSON,
		CanonicalVersion: canonicalVersion,
		Status:           RunRunning,
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO runs
			(run_id, started_at, config_hash, settings_json, canonical_version, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.StartedAt, run.ConfigHash, []byte(run.SettingsJSON), run.CanonicalVersion, run.Status)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: begin run: %w", err)
	}

	r.logger.Info("landscape: run started", slog.String("run_id", run.RunID))
	return run, nil
}

// CompleteRun transitions a Run to a terminal status exactly once.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if status == RunRunning {
		return fmt.Errorf("landscape: complete run requires a terminal status, got %s", status)
	}
	now := time.Now().UTC()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
			status, now, runID, RunRunning)
	})
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	r.logger.Info("landscape: run finished", slog.String("run_id", runID), slog.String("status", string(status)))
	return nil
}

// ResumeRun transitions a failed Run back to running, clearing
// completed_at, so crash recovery can continue the same run instead of
// starting a new one.
func (r *Recorder) ResumeRun(ctx context.Context, runID string) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ? AND status = ?`,
			RunRunning, runID, RunFailed)
	})
	if err != nil {
		return fmt.Errorf("landscape: resume run: %w", err)
	}
	r.logger.Info("landscape: run resumed", slog.String("run_id", runID))
	return nil
}

// RegisterNode records a plugin instance resolved to a graph node.
func (r *Recorder) RegisterNode(ctx context.Context, runID, nodeID, pluginName string, nodeType NodeType, pluginVersion string, config map[string]any, schemaConfig map[string]any) (*Node, error) {
	configHash, configJSON, err := canonical.Hash(config)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash node config: %w", err)
	}
	var schemaHash string
	if schemaConfig != nil {
		schemaHash, _, err = canonical.Hash(schemaConfig)
		if err != nil {
			return nil, fmt.Errorf("landscape: hash node schema: %w", err)
		}
	}

	node := &Node{
		NodeID:        nodeID,
		RunID:         runID,
		PluginName:    pluginName,
		NodeType:      nodeType,
		PluginVersion: pluginVersion,
		ConfigHash:    configHash,
		ConfigJSON:    configJSON,
		SchemaHash:    schemaHash,
		RegisteredAt:  time.Now().UTC(),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO nodes
			(node_id, run_id, plugin_name, node_type, plugin_version, config_hash, config_json, schema_hash, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.NodeID, node.RunID, node.PluginName, node.NodeType, node.PluginVersion,
			node.ConfigHash, []byte(node.ConfigJSON), node.SchemaHash, node.RegisteredAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: register node: %w", err)
	}
	return node, nil
}

// RegisterEdge records a directed, labeled connection.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error) {
	edge := &Edge{
		EdgeID:      newID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO edges
			(edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode, edge.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: register edge: %w", err)
	}
	return edge, nil
}

// CreateRow records a source-loaded input, computing its content hash.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, data map[string]any, ref *string) (*Row, error) {
	hash, _, err := canonical.Hash(data)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash row data: %w", err)
	}

	row := &Row{
		RowID:          newID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		SourceDataRef:  ref,
		CreatedAt:      time.Now().UTC(),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO rows
			(row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: create row: %w", err)
	}
	return row, nil
}

// CreateToken records a new traversal identity, optionally with parents
// (fork/join) recorded in TokenParent closure rows in the same transaction.
func (r *Recorder) CreateToken(ctx context.Context, rowID, branchName string, parentTokenIDs []string) (*Token, error) {
	token := &Token{
		TokenID:    newID(),
		RowID:      rowID,
		BranchName: branchName,
		CreatedAt:  time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.exec(ctx, tx, `INSERT INTO tokens (token_id, row_id, branch_name, created_at) VALUES (?, ?, ?, ?)`,
			token.TokenID, token.RowID, token.BranchName, token.CreatedAt); err != nil {
			return err
		}
		for i, parentID := range parentTokenIDs {
			if err := r.exec(ctx, tx, `INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				token.TokenID, parentID, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: create token: %w", err)
	}
	return token, nil
}

// BeginNodeState opens a NodeState with status=open.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex, attempt int, inputHash string, contextBefore map[string]any) (*NodeState, error) {
	ctxBeforeJSON, err := marshalJSON(contextBefore)
	if err != nil {
		return nil, err
	}

	ns := &NodeState{
		StateID:           newID(),
		TokenID:           tokenID,
		NodeID:            nodeID,
		StepIndex:         stepIndex,
		Attempt:           attempt,
		Status:            StateOpen,
		InputHash:         inputHash,
		ContextBeforeJSON: ctxBeforeJSON,
		StartedAt:         time.Now().UTC(),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO node_states
			(state_id, token_id, node_id, step_index, attempt, status, input_hash, context_before_json, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ns.StateID, ns.TokenID, ns.NodeID, ns.StepIndex, ns.Attempt, ns.Status, ns.InputHash,
			nullableBytes(ns.ContextBeforeJSON), ns.StartedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: begin node state: %w", err)
	}
	return ns, nil
}

// CompleteNodeState transitions a NodeState to completed.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, outputHash string, contextAfter map[string]any, durationMS int64) error {
	ctxAfterJSON, err := marshalJSON(contextAfter)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE node_states
			SET status = ?, output_hash = ?, context_after_json = ?, duration_ms = ?, completed_at = ?
			WHERE state_id = ? AND status = ?`,
			StateCompleted, outputHash, nullableBytes(ctxAfterJSON), durationMS, now, stateID, StateOpen)
	})
	if err != nil {
		return fmt.Errorf("landscape: complete node state: %w", err)
	}
	return nil
}

// FailNodeState transitions a NodeState to failed, recording the
// structured ExecutionError payload.
func (r *Recorder) FailNodeState(ctx context.Context, stateID string, execErr pluginapi.ExecutionError) error {
	errJSON, err := marshalJSON(execErr)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE node_states
			SET status = ?, error_json = ?, completed_at = ?
			WHERE state_id = ? AND status = ?`,
			StateFailed, nullableBytes(errJSON), now, stateID, StateOpen)
	})
	if err != nil {
		return fmt.Errorf("landscape: fail node state: %w", err)
	}
	return nil
}

// RecordCall appends a Call row scoped to stateID. callIndex is assigned by
// the executor, which tracks the per-state call sequence.
func (r *Recorder) RecordCall(ctx context.Context, stateID string, callIndex int, callType CallType, requestHash string, requestRef, responseHash, responseRef *string, status CallStatus, latencyMS int64, callErr error) (*Call, error) {
	var errJSON json.RawMessage
	if callErr != nil {
		var err error
		errJSON, err = marshalJSON(pluginapi.NewExecutionError(callErr))
		if err != nil {
			return nil, err
		}
	}

	call := &Call{
		CallID:       newID(),
		StateID:      stateID,
		CallIndex:    callIndex,
		CallType:     callType,
		Status:       status,
		RequestHash:  requestHash,
		RequestRef:   requestRef,
		ResponseHash: responseHash,
		ResponseRef:  responseRef,
		ErrorJSON:    errJSON,
		LatencyMS:    latencyMS,
		CreatedAt:    time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO calls
			(call_id, state_id, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status, call.RequestHash,
			call.RequestRef, call.ResponseHash, call.ResponseRef, nullableBytes(call.ErrorJSON), call.LatencyMS, call.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: record call: %w", err)
	}
	return call, nil
}

// RecordArtifact records a sink's output.
func (r *Recorder) RecordArtifact(ctx context.Context, runID, sinkNodeID, producedByState string, info pluginapi.ArtifactInfo) (*Artifact, error) {
	artifact := &Artifact{
		ArtifactID:      newID(),
		RunID:           runID,
		ProducedByState: producedByState,
		SinkNodeID:      sinkNodeID,
		ArtifactType:    info.Kind,
		PathOrURI:       info.PathOrURI,
		ContentHash:     info.ContentHash,
		SizeBytes:       info.SizeBytes,
		CreatedAt:       time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO artifacts
			(artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			artifact.ArtifactID, artifact.RunID, artifact.ProducedByState, artifact.SinkNodeID,
			artifact.ArtifactType, artifact.PathOrURI, artifact.ContentHash, artifact.SizeBytes, artifact.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: record artifact: %w", err)
	}
	return artifact, nil
}

// RecordTokenOutcome records the terminal disposition of a token. The
// schema's (token_id) uniqueness-when-terminal invariant (exactly one
// terminal outcome per token) is enforced by a unique index on
// (token_id) filtered to is_terminal=true at the migration level.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, tokenID, runID string, outcome TokenOutcomeKind, sinkName string, isTerminal bool) (*TokenOutcome, error) {
	to := &TokenOutcome{
		OutcomeID:  newID(),
		TokenID:    tokenID,
		RunID:      runID,
		Outcome:    outcome,
		SinkName:   sinkName,
		IsTerminal: isTerminal,
		CreatedAt:  time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO token_outcomes
			(outcome_id, token_id, run_id, outcome, sink_name, is_terminal, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			to.OutcomeID, to.TokenID, to.RunID, to.Outcome, to.SinkName, to.IsTerminal, to.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: record token outcome: %w", err)
	}
	return to, nil
}

// CreateBatch opens a new aggregation Batch in status=draft.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*Batch, error) {
	batch := &Batch{
		BatchID:           newID(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Status:            BatchDraft,
		Attempt:           attempt,
		CreatedAt:         time.Now().UTC(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO batches
			(batch_id, run_id, aggregation_node_id, status, attempt, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			batch.BatchID, batch.RunID, batch.AggregationNodeID, batch.Status, batch.Attempt, batch.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: create batch: %w", err)
	}
	return batch, nil
}

// AddBatchMember appends a token into a batch at the given ordinal.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
			batchID, tokenID, ordinal)
	})
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}
	return nil
}

// UpdateBatchStatus transitions a batch's status without closing it.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE batches SET status = ? WHERE batch_id = ?`, status, batchID)
	})
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}
	return nil
}

// CompleteBatch marks a batch completed or failed with its finish time.
func (r *Recorder) CompleteBatch(ctx context.Context, batchID string, status BatchStatus) error {
	if status != BatchCompleted && status != BatchFailed {
		return fmt.Errorf("landscape: complete batch requires a terminal status, got %s", status)
	}
	now := time.Now().UTC()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?`, status, now, batchID)
	})
	if err != nil {
		return fmt.Errorf("landscape: complete batch: %w", err)
	}
	return nil
}

// CreateCheckpoint persists aggregation state as canonical JSON.
func (r *Recorder) CreateCheckpoint(ctx context.Context, runID, tokenID, nodeID string, sequenceNumber int64, aggregationState map[string]any) (*Checkpoint, error) {
	_, stateJSON, err := canonical.Hash(aggregationState)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash checkpoint state: %w", err)
	}

	cp := &Checkpoint{
		CheckpointID:         newID(),
		RunID:                runID,
		TokenID:              tokenID,
		NodeID:               nodeID,
		SequenceNumber:       sequenceNumber,
		AggregationStateJSON: stateJSON,
		CreatedAt:            time.Now().UTC(),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO checkpoints
			(checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.CheckpointID, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber, []byte(cp.AggregationStateJSON), cp.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: create checkpoint: %w", err)
	}
	return cp, nil
}

// RecordValidationError links a structured error row to a source NodeState.
func (r *Recorder) RecordValidationError(ctx context.Context, stateID string, ve pluginapi.ValidationError) error {
	details, err := marshalJSON(ve.Details)
	if err != nil {
		return err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO validation_errors
			(error_id, state_id, error_type, error_message, field, details_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(), stateID, ve.ErrorType, ve.ErrorMessage, ve.Field, nullableBytes(details), time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("landscape: record validation error: %w", err)
	}
	return nil
}

// RecordTransformError links a structured error row to a transform NodeState.
func (r *Recorder) RecordTransformError(ctx context.Context, stateID string, reason pluginapi.TransformReason) error {
	details, err := marshalJSON(reason)
	if err != nil {
		return err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		return r.exec(ctx, tx, `INSERT INTO transform_errors
			(error_id, state_id, error_type, error_message, details_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			newID(), stateID, reason.Action, "transform rejected row", nullableBytes(details), time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("landscape: record transform error: %w", err)
	}
	return nil
}

func nullableBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// errRowNotFound is the package-private lookup sentinel; the exported
// ErrNotFound below is the same value. Accessors return it in place of
// sql.ErrNoRows, which is not wrapped, so callers test with
// errors.Is(err, ErrNotFound).
var errRowNotFound = errors.New("landscape: record not found")

// ErrNotFound is returned by single-record query accessors when no row matches.
var ErrNotFound = errRowNotFound

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
