package executor

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// flushStepIndex marks the synthetic NodeState a Batch flush is recorded
// under, distinct from any real per-token step index (which start at 0).
const flushStepIndex = -1

// AggregationExecutor drives one Aggregation plugin, opening a Batch on
// first use, appending BatchMembers as tokens arrive, flushing on the
// plugin's own trigger policy, and writing a Checkpoint every
// checkpointEvery accepted rows and at every batch boundary (spec §4.7).
type AggregationExecutor struct {
	deps           Deps
	plugin         pluginapi.Aggregation
	nodeID         string
	checkpointEvery int

	currentBatch *landscape.Batch
	rowsSinceCheckpoint int
	sequence       int64
}

// NewAggregationExecutor binds plugin to nodeID. checkpointEvery <= 0
// disables the row-count-based checkpoint (boundary checkpoints still fire).
func NewAggregationExecutor(deps Deps, nodeID string, plugin pluginapi.Aggregation, checkpointEvery int) *AggregationExecutor {
	return &AggregationExecutor{deps: deps, plugin: plugin, nodeID: nodeID, checkpointEvery: checkpointEvery}
}

// Accept appends tokenID's row to the in-flight batch, opening a new Batch
// first if none is open. When the plugin's trigger policy fires, it flushes
// the batch immediately and returns the produced artifacts.
func (e *AggregationExecutor) Accept(ctx context.Context, runID, tokenID string, row pluginapi.Row) ([]pluginapi.ArtifactInfo, error) {
	if e.currentBatch == nil {
		batch, err := e.deps.Recorder.CreateBatch(ctx, runID, e.nodeID, 1)
		if err != nil {
			return nil, fmt.Errorf("executor: aggregation create batch: %w", err)
		}
		e.currentBatch = batch
	}

	state, err := beginState(ctx, e.deps, tokenID, e.nodeID, 0, 1, row, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: aggregation begin state: %w", err)
	}
	pctx := pluginContext(ctx, runID, e.nodeID, state.StateID, 1)

	triggered, err := e.plugin.Accept(pctx, row)
	if err != nil {
		if failErr := e.deps.Recorder.FailNodeState(ctx, state.StateID, pluginapi.NewExecutionError(err)); failErr != nil {
			return nil, fmt.Errorf("executor: aggregation fail state: %w", failErr)
		}
		return nil, fmt.Errorf("executor: aggregation accept: %w", err)
	}
	if err := e.deps.Recorder.CompleteNodeState(ctx, state.StateID, "", nil, 0); err != nil {
		return nil, fmt.Errorf("executor: aggregation complete state: %w", err)
	}

	ordinal, err := e.nextOrdinal(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Recorder.AddBatchMember(ctx, e.currentBatch.BatchID, tokenID, ordinal); err != nil {
		return nil, fmt.Errorf("executor: aggregation add batch member: %w", err)
	}

	e.rowsSinceCheckpoint++
	if e.checkpointEvery > 0 && e.rowsSinceCheckpoint >= e.checkpointEvery {
		if err := e.checkpoint(ctx, runID, tokenID); err != nil {
			return nil, err
		}
	}

	if triggered {
		return e.Flush(ctx, runID)
	}
	return nil, nil
}

func (e *AggregationExecutor) nextOrdinal(ctx context.Context) (int, error) {
	members, err := e.deps.Recorder.GetBatchMembers(ctx, e.currentBatch.BatchID)
	if err != nil {
		return 0, fmt.Errorf("executor: aggregation count batch members: %w", err)
	}
	return len(members), nil
}

// Flush drains the in-flight batch, recording artifacts and terminal
// TokenOutcomes for every constituent token on success, or marking the
// batch failed on error.
func (e *AggregationExecutor) Flush(ctx context.Context, runID string) ([]pluginapi.ArtifactInfo, error) {
	if e.currentBatch == nil {
		return nil, nil
	}
	batch := e.currentBatch
	e.currentBatch = nil
	e.rowsSinceCheckpoint = 0

	if err := e.deps.Recorder.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchExecuting); err != nil {
		return nil, fmt.Errorf("executor: aggregation mark executing: %w", err)
	}

	members, err := e.deps.Recorder.GetBatchMembers(ctx, batch.BatchID)
	if err != nil {
		return nil, fmt.Errorf("executor: aggregation get batch members: %w", err)
	}
	if len(members) == 0 {
		return nil, e.deps.Recorder.CompleteBatch(ctx, batch.BatchID, landscape.BatchCompleted)
	}

	// The flush itself is attributed to a NodeState scoped to the batch's
	// first member, since Artifact rows require a producing NodeState and
	// a flush is not itself a per-token event.
	flushState, err := e.deps.Recorder.BeginNodeState(ctx, members[0].TokenID, e.nodeID, flushStepIndex, batch.Attempt, "batch-flush", nil)
	if err != nil {
		return nil, fmt.Errorf("executor: aggregation begin flush state: %w", err)
	}

	pctx := pluginContext(ctx, runID, e.nodeID, flushState.StateID, batch.Attempt)
	artifacts, err := e.plugin.Flush(pctx)
	if err != nil {
		_ = e.deps.Recorder.FailNodeState(ctx, flushState.StateID, pluginapi.NewExecutionError(err))
		if compErr := e.deps.Recorder.CompleteBatch(ctx, batch.BatchID, landscape.BatchFailed); compErr != nil {
			return nil, fmt.Errorf("executor: aggregation mark failed: %w", compErr)
		}
		return nil, fmt.Errorf("executor: aggregation flush: %w", err)
	}
	if err := e.deps.Recorder.CompleteNodeState(ctx, flushState.StateID, "", nil, 0); err != nil {
		return nil, fmt.Errorf("executor: aggregation complete flush state: %w", err)
	}

	for _, info := range artifacts {
		if _, err := e.deps.Recorder.RecordArtifact(ctx, runID, e.nodeID, flushState.StateID, info); err != nil {
			return nil, fmt.Errorf("executor: aggregation record artifact: %w", err)
		}
	}
	for _, m := range members {
		if _, err := e.deps.Recorder.RecordTokenOutcome(ctx, m.TokenID, runID, landscape.OutcomeCompleted, e.nodeID, true); err != nil {
			return nil, fmt.Errorf("executor: aggregation record token outcome: %w", err)
		}
	}

	if err := e.deps.Recorder.CompleteBatch(ctx, batch.BatchID, landscape.BatchCompleted); err != nil {
		return nil, fmt.Errorf("executor: aggregation complete batch: %w", err)
	}
	if err := e.checkpoint(ctx, runID, members[len(members)-1].TokenID); err != nil {
		return nil, err
	}

	return artifacts, nil
}

func (e *AggregationExecutor) checkpoint(ctx context.Context, runID, tokenID string) error {
	state, err := e.plugin.SerializeState()
	if err != nil {
		return fmt.Errorf("executor: aggregation serialize state: %w", err)
	}
	e.sequence++
	if _, err := e.deps.Recorder.CreateCheckpoint(ctx, runID, tokenID, e.nodeID, e.sequence, state); err != nil {
		return fmt.Errorf("executor: aggregation create checkpoint: %w", err)
	}
	e.rowsSinceCheckpoint = 0
	return nil
}

// Restore reloads previously serialized aggregation state during crash
// recovery (spec §4.8's resume() contract).
func (e *AggregationExecutor) Restore(state map[string]any) error {
	return e.plugin.RestoreState(state)
}

// ResumeBatch lets the orchestrator hand a recovered (retried) Batch back
// to the executor so further Accept calls append to it instead of opening
// a fresh one.
func (e *AggregationExecutor) ResumeBatch(batch *landscape.Batch) {
	e.currentBatch = batch
}
