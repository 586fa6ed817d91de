package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// Resume implements spec §4.8's crash recovery: restore aggregation state,
// settle every incomplete batch, then put the run back into "running" and
// continue source iteration from the last checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (err error) {
	o.runID = runID

	defer func() {
		if err != nil {
			o.log().Error("orchestrator: resume failed", "run_id", runID, "error", err)
			_ = o.deps.Recorder.CompleteRun(ctx, runID, landscape.RunFailed)
		}
	}()

	resumePoint, err := o.deps.Recorder.GetResumePoint(ctx, runID)
	if err != nil && !errors.Is(err, landscape.ErrNotFound) {
		return fmt.Errorf("orchestrator: get resume point: %w", err)
	}
	if resumePoint != nil {
		if err = o.restoreAggregationState(resumePoint); err != nil {
			return err
		}
	}

	if err = o.settleIncompleteBatches(ctx, runID); err != nil {
		return err
	}

	if err = o.deps.Recorder.ResumeRun(ctx, runID); err != nil {
		return fmt.Errorf("orchestrator: set run running: %w", err)
	}

	if err = o.resumeSource(ctx, resumePoint); err != nil {
		return err
	}

	if err = o.flushAllSinks(ctx); err != nil {
		return err
	}

	if err = o.deps.Recorder.CompleteRun(ctx, runID, landscape.RunCompleted); err != nil {
		return fmt.Errorf("orchestrator: complete run: %w", err)
	}
	return nil
}

// restoreAggregationState calls RestoreState on the aggregation node named
// in resumePoint, when it carries a serialized state.
func (o *Orchestrator) restoreAggregationState(resumePoint *landscape.ResumePoint) error {
	if len(resumePoint.AggregationState) == 0 {
		return nil
	}
	exec, ok := o.aggregations[resumePoint.NodeID]
	if !ok {
		return nil
	}
	var state map[string]any
	if err := json.Unmarshal(resumePoint.AggregationState, &state); err != nil {
		return fmt.Errorf("orchestrator: unmarshal aggregation state: %w", err)
	}
	if err := exec.Restore(state); err != nil {
		return fmt.Errorf("orchestrator: restore aggregation state for %s: %w", resumePoint.NodeID, err)
	}
	return nil
}

// settleIncompleteBatches walks every non-completed batch for runID:
// failed batches are retried and flushed, executing batches (the process
// died mid-flush) are marked failed then retried and flushed, and draft
// batches are simply handed back to their aggregation executor to keep
// collecting.
func (o *Orchestrator) settleIncompleteBatches(ctx context.Context, runID string) error {
	batches, err := o.deps.Recorder.GetIncompleteBatches(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: get incomplete batches: %w", err)
	}

	for _, batch := range batches {
		exec, ok := o.aggregations[batch.AggregationNodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no aggregation executor for %s", batch.AggregationNodeID)
		}

		switch batch.Status {
		case landscape.BatchDraft:
			exec.ResumeBatch(&batch)

		case landscape.BatchExecuting:
			if err := o.deps.Recorder.CompleteBatch(ctx, batch.BatchID, landscape.BatchFailed); err != nil {
				return fmt.Errorf("orchestrator: mark executing batch failed: %w", err)
			}
			if err := o.retryAndFlushBatch(ctx, runID, exec, batch.BatchID); err != nil {
				return err
			}

		case landscape.BatchFailed:
			if err := o.retryAndFlushBatch(ctx, runID, exec, batch.BatchID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) retryAndFlushBatch(ctx context.Context, runID string, exec *executor.AggregationExecutor, batchID string) error {
	retried, err := o.deps.Recorder.RetryBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("orchestrator: retry batch %s: %w", batchID, err)
	}
	exec.ResumeBatch(retried)
	if _, err := exec.Flush(ctx, runID); err != nil {
		return fmt.Errorf("orchestrator: flush retried batch %s: %w", batchID, err)
	}
	return nil
}

// resumeSource continues source iteration from the checkpoint's sequence
// number. When the source cannot seek, it falls back to a full replay of
// the source from the start, accepting re-derivation of already-recorded
// rows rather than losing unrecorded ones (spec.md §9's resolved Open
// Question on source restartability).
func (o *Orchestrator) resumeSource(ctx context.Context, resumePoint *landscape.ResumePoint) error {
	if resumePoint != nil {
		cursor := strconv.FormatInt(resumePoint.SequenceNumber, 10)
		if err := o.source.Seek(ctx, cursor); err != nil {
			if !errors.Is(err, pluginapi.ErrSeekUnsupported) {
				return fmt.Errorf("orchestrator: seek source: %w", err)
			}
			o.log().Warn("orchestrator: source does not support seek, replaying from start", "run_id", o.runID)
		}
	}
	return o.drainSource(ctx)
}
