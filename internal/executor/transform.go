package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// TransformExecutor drives one Transform plugin through the begin/invoke/
// complete-or-fail NodeState envelope (spec §4.7), retrying retryable
// failures with bounded exponential backoff before giving up.
type TransformExecutor struct {
	deps    Deps
	plugin  pluginapi.Transform
	nodeID  string
}

// NewTransformExecutor binds plugin to nodeID using deps' recorder and retry policy.
func NewTransformExecutor(deps Deps, nodeID string, plugin pluginapi.Transform) *TransformExecutor {
	return &TransformExecutor{deps: deps, plugin: plugin, nodeID: nodeID}
}

// Run executes the transform for one token at stepIndex, returning the
// resulting row on success. When retries are exhausted, the retry budget
// is spent, or the failure is not retryable, the returned error wraps
// ErrExhausted; routing the token to the node's on_error sink is left to
// the caller.
func (e *TransformExecutor) Run(ctx context.Context, runID, tokenID string, stepIndex int, row pluginapi.Row) (pluginapi.Row, error) {
	attempt := 1
	firstStarted := time.Now()
	for {
		state, err := beginState(ctx, e.deps, tokenID, e.nodeID, stepIndex, attempt, row, nil)
		if err != nil {
			return nil, fmt.Errorf("executor: transform begin state: %w", err)
		}

		pctx := pluginContext(ctx, runID, e.nodeID, state.StateID, attempt)
		started := time.Now()
		result := e.plugin.Process(pctx, row)

		if result.IsSuccess() {
			outHash, hashErr := rowHash(result.Row())
			if hashErr != nil {
				return nil, hashErr
			}
			durationMS := time.Since(started).Milliseconds()
			if err := e.deps.Recorder.CompleteNodeState(ctx, state.StateID, outHash, nil, durationMS); err != nil {
				return nil, fmt.Errorf("executor: transform complete state: %w", err)
			}
			return result.Row(), nil
		}

		if err := e.deps.Recorder.FailNodeState(ctx, state.StateID, result.Error()); err != nil {
			return nil, fmt.Errorf("executor: transform fail state: %w", err)
		}
		if recErr := e.deps.Recorder.RecordTransformError(ctx, state.StateID, result.Reason()); recErr != nil {
			return nil, fmt.Errorf("executor: record transform error: %w", recErr)
		}

		if !result.Retryable() || attempt > e.deps.Retry.MaxRetries {
			return nil, fmt.Errorf("%w: %s", ErrExhausted, result.Error().Exception)
		}
		if e.deps.Retry.MaxElapsed > 0 && time.Since(firstStarted) >= e.deps.Retry.MaxElapsed {
			return nil, fmt.Errorf("%w: max elapsed retry budget spent", ErrExhausted)
		}
		if err := sleepBackoff(ctx, e.deps.Retry, attempt); err != nil {
			return nil, err
		}
		attempt++
	}
}
