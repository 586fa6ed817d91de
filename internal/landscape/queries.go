package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// query is a thin helper around QueryContext with placeholder rebinding.
func (r *Recorder) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.conn.DB.QueryContext(ctx, r.conn.rebind(q), args...)
}

func (r *Recorder) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return r.conn.DB.QueryRowContext(ctx, r.conn.rebind(q), args...)
}

// ListRuns returns every Run, most recent first.
func (r *Recorder) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := r.query(ctx, `SELECT run_id, started_at, completed_at, config_hash, settings_json, canonical_version, status
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("landscape: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var completedAt sql.NullTime
		var settings []byte
		if err := rows.Scan(&run.RunID, &run.StartedAt, &completedAt, &run.ConfigHash, &settings, &run.CanonicalVersion, &run.Status); err != nil {
			return nil, fmt.Errorf("landscape: scan run: %w", err)
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		run.SettingsJSON = settings
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestRun returns the most recently started Run.
func (r *Recorder) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := r.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// GetRow fetches a Row by ID.
func (r *Recorder) GetRow(ctx context.Context, rowID string) (*Row, error) {
	var row Row
	var ref sql.NullString
	err := r.queryRow(ctx, `SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		FROM rows WHERE row_id = ?`, rowID).
		Scan(&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex, &row.SourceDataHash, &ref, &row.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: get row: %w", err)
	}
	if ref.Valid {
		row.SourceDataRef = &ref.String
	}
	return &row, nil
}

// GetToken fetches a Token by ID.
func (r *Recorder) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var tok Token
	var branch, fork, join sql.NullString
	err := r.queryRow(ctx, `SELECT token_id, row_id, branch_name, fork_group_id, join_group_id, created_at
		FROM tokens WHERE token_id = ?`, tokenID).
		Scan(&tok.TokenID, &tok.RowID, &branch, &fork, &join, &tok.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: get token: %w", err)
	}
	tok.BranchName = branch.String
	tok.ForkGroupID = fork.String
	tok.JoinGroupID = join.String
	return &tok, nil
}

// GetTokens returns every Token created for rowID (the source token plus
// any COPY fan-out children).
func (r *Recorder) GetTokens(ctx context.Context, rowID string) ([]Token, error) {
	rows, err := r.query(ctx, `SELECT token_id, row_id, branch_name, fork_group_id, join_group_id, created_at
		FROM tokens WHERE row_id = ? ORDER BY created_at ASC`, rowID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var tok Token
		var branch, fork, join sql.NullString
		if err := rows.Scan(&tok.TokenID, &tok.RowID, &branch, &fork, &join, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan token: %w", err)
		}
		tok.BranchName, tok.ForkGroupID, tok.JoinGroupID = branch.String, fork.String, join.String
		out = append(out, tok)
	}
	return out, rows.Err()
}

// GetTokenParents returns the closure rows for tokenID, ordered.
func (r *Recorder) GetTokenParents(ctx context.Context, tokenID string) ([]TokenParent, error) {
	rows, err := r.query(ctx, `SELECT token_id, parent_token_id, ordinal FROM token_parents
		WHERE token_id = ? ORDER BY ordinal ASC`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get token parents: %w", err)
	}
	defer rows.Close()

	var out []TokenParent
	for rows.Next() {
		var tp TokenParent
		if err := rows.Scan(&tp.TokenID, &tp.ParentTokenID, &tp.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan token parent: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// GetNodeStatesForToken returns every NodeState for tokenID, ordered by step_index.
func (r *Recorder) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]NodeState, error) {
	rows, err := r.query(ctx, `SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash,
		output_hash, context_before_json, context_after_json, duration_ms, error_json, started_at, completed_at
		FROM node_states WHERE token_id = ? ORDER BY step_index ASC, attempt ASC`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get node states: %w", err)
	}
	defer rows.Close()

	var out []NodeState
	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func scanNodeState(rows *sql.Rows) (NodeState, error) {
	var ns NodeState
	var outputHash sql.NullString
	var contextBefore, contextAfter, errJSON []byte
	var durationMS sql.NullInt64
	var completedAt sql.NullTime

	err := rows.Scan(&ns.StateID, &ns.TokenID, &ns.NodeID, &ns.StepIndex, &ns.Attempt, &ns.Status, &ns.InputHash,
		&outputHash, &contextBefore, &contextAfter, &durationMS, &errJSON, &ns.StartedAt, &completedAt)
	if err != nil {
		return ns, fmt.Errorf("landscape: scan node state: %w", err)
	}
	if outputHash.Valid {
		ns.OutputHash = &outputHash.String
	}
	ns.ContextBeforeJSON = contextBefore
	ns.ContextAfterJSON = contextAfter
	ns.ErrorJSON = errJSON
	if durationMS.Valid {
		ns.DurationMS = &durationMS.Int64
	}
	if completedAt.Valid {
		ns.CompletedAt = &completedAt.Time
	}
	return ns, nil
}

// GetRoutingEvents returns the context_after_json recorded on the NodeState
// stateID, which is where gates record their routing decision. It returns
// the column as stored for any state: it does not check that the state
// belongs to a gate node and does not decode the JSON.
func (r *Recorder) GetRoutingEvents(ctx context.Context, stateID string) (json.RawMessage, error) {
	var contextAfter []byte
	err := r.queryRow(ctx, `SELECT context_after_json FROM node_states WHERE state_id = ?`, stateID).Scan(&contextAfter)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: get routing events: %w", err)
	}
	return contextAfter, nil
}

// GetCalls returns every Call recorded under stateID, in call_index order.
func (r *Recorder) GetCalls(ctx context.Context, stateID string) ([]Call, error) {
	rows, err := r.query(ctx, `SELECT call_id, state_id, call_index, call_type, status, request_hash,
		request_ref, response_hash, response_ref, error_json, latency_ms, created_at
		FROM calls WHERE state_id = ? ORDER BY call_index ASC`, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		var requestRef, responseHash, responseRef sql.NullString
		var errJSON []byte
		if err := rows.Scan(&c.CallID, &c.StateID, &c.CallIndex, &c.CallType, &c.Status, &c.RequestHash,
			&requestRef, &responseHash, &responseRef, &errJSON, &c.LatencyMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan call: %w", err)
		}
		if requestRef.Valid {
			c.RequestRef = &requestRef.String
		}
		if responseHash.Valid {
			c.ResponseHash = &responseHash.String
		}
		if responseRef.Valid {
			c.ResponseRef = &responseRef.String
		}
		c.ErrorJSON = errJSON
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetTokenOutcome returns the terminal outcome for tokenID, if any.
func (r *Recorder) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	var to TokenOutcome
	var sinkName sql.NullString
	err := r.queryRow(ctx, `SELECT outcome_id, token_id, run_id, outcome, sink_name, is_terminal, created_at
		FROM token_outcomes WHERE token_id = ? AND is_terminal = ? ORDER BY created_at DESC LIMIT 1`,
		tokenID, true).
		Scan(&to.OutcomeID, &to.TokenID, &to.RunID, &to.Outcome, &sinkName, &to.IsTerminal, &to.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: get token outcome: %w", err)
	}
	to.SinkName = sinkName.String
	return &to, nil
}

// GetValidationErrors returns validation errors attached to stateID.
func (r *Recorder) GetValidationErrors(ctx context.Context, stateID string) ([]ValidationError, error) {
	rows, err := r.query(ctx, `SELECT error_id, state_id, error_type, error_message, field, details_json, created_at
		FROM validation_errors WHERE state_id = ? ORDER BY created_at ASC`, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get validation errors: %w", err)
	}
	defer rows.Close()

	var out []ValidationError
	for rows.Next() {
		var ve ValidationError
		var field sql.NullString
		var details []byte
		if err := rows.Scan(&ve.ErrorID, &ve.StateID, &ve.ErrorType, &ve.ErrorMessage, &field, &details, &ve.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan validation error: %w", err)
		}
		ve.Field = field.String
		ve.DetailsJSON = details
		out = append(out, ve)
	}
	return out, rows.Err()
}

// GetTransformErrors returns transform errors attached to stateID.
func (r *Recorder) GetTransformErrors(ctx context.Context, stateID string) ([]TransformError, error) {
	rows, err := r.query(ctx, `SELECT error_id, state_id, error_type, error_message, details_json, created_at
		FROM transform_errors WHERE state_id = ? ORDER BY created_at ASC`, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get transform errors: %w", err)
	}
	defer rows.Close()

	var out []TransformError
	for rows.Next() {
		var te TransformError
		var details []byte
		if err := rows.Scan(&te.ErrorID, &te.StateID, &te.ErrorType, &te.ErrorMessage, &details, &te.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan transform error: %w", err)
		}
		te.DetailsJSON = details
		out = append(out, te)
	}
	return out, rows.Err()
}

// GetIncompleteBatches returns every Batch for runID whose status is not
// completed, for recovery to act on.
func (r *Recorder) GetIncompleteBatches(ctx context.Context, runID string) ([]Batch, error) {
	rows, err := r.query(ctx, `SELECT batch_id, run_id, aggregation_node_id, status, attempt, created_at, completed_at, aggregation_state_id
		FROM batches WHERE run_id = ? AND status != ? ORDER BY created_at ASC`, runID, BatchCompleted)
	if err != nil {
		return nil, fmt.Errorf("landscape: get incomplete batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(rows *sql.Rows) (Batch, error) {
	var b Batch
	var completedAt sql.NullTime
	var aggStateID sql.NullString
	err := rows.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.Status, &b.Attempt, &b.CreatedAt, &completedAt, &aggStateID)
	if err != nil {
		return b, fmt.Errorf("landscape: scan batch: %w", err)
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if aggStateID.Valid {
		b.AggregationStateID = &aggStateID.String
	}
	return b, nil
}

// GetBatchMembers returns every member of batchID, ordered.
func (r *Recorder) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	rows, err := r.query(ctx, `SELECT batch_id, token_id, ordinal FROM batch_members
		WHERE batch_id = ? ORDER BY ordinal ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batch members: %w", err)
	}
	defer rows.Close()

	var out []BatchMember
	for rows.Next() {
		var m BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan batch member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RetryBatch creates a new Batch with attempt+1, status=draft, copying the
// failed batch's members with the same ordinals, in one transaction.
func (r *Recorder) RetryBatch(ctx context.Context, batchID string) (*Batch, error) {
	var original Batch
	row := r.queryRow(ctx, `SELECT batch_id, run_id, aggregation_node_id, status, attempt, created_at, completed_at, aggregation_state_id
		FROM batches WHERE batch_id = ?`, batchID)
	var completedAt sql.NullTime
	var aggStateID sql.NullString
	if err := row.Scan(&original.BatchID, &original.RunID, &original.AggregationNodeID, &original.Status,
		&original.Attempt, &original.CreatedAt, &completedAt, &aggStateID); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("landscape: retry batch: load original: %w", err)
	}

	members, err := r.GetBatchMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}

	next := &Batch{
		BatchID:           newID(),
		RunID:             original.RunID,
		AggregationNodeID: original.AggregationNodeID,
		Status:            BatchDraft,
		Attempt:           original.Attempt + 1,
		CreatedAt:         time.Now().UTC(),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.exec(ctx, tx, `INSERT INTO batches (batch_id, run_id, aggregation_node_id, status, attempt, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			next.BatchID, next.RunID, next.AggregationNodeID, next.Status, next.Attempt, next.CreatedAt); err != nil {
			return err
		}
		for _, m := range members {
			if err := r.exec(ctx, tx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
				next.BatchID, m.TokenID, m.Ordinal); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("landscape: retry batch: %w", err)
	}
	return next, nil
}

// GetResumePoint returns the most recent Checkpoint for runID along with
// the information needed to resume source iteration and aggregation state.
func (r *Recorder) GetResumePoint(ctx context.Context, runID string) (*ResumePoint, error) {
	var cp Checkpoint
	var state []byte
	err := r.queryRow(ctx, `SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY sequence_number DESC LIMIT 1`, runID).
		Scan(&cp.CheckpointID, &cp.RunID, &cp.TokenID, &cp.NodeID, &cp.SequenceNumber, &state, &cp.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: get resume point: %w", err)
	}
	cp.AggregationStateJSON = state

	return &ResumePoint{
		Checkpoint:       &cp,
		TokenID:          cp.TokenID,
		NodeID:           cp.NodeID,
		SequenceNumber:   cp.SequenceNumber,
		AggregationState: state,
	}, nil
}
