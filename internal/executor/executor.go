// Package executor implements the per-node-type execution envelope
// described in spec §4.7: begin a NodeState, invoke the plugin, and
// complete or fail it, with retryable failures handled by bounded
// exponential backoff before a token is error-routed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// ErrExhausted is wrapped into the final ExecutionError when a retryable
// failure exhausts its retry budget.
var ErrExhausted = errors.New("executor: retries exhausted")

// RetryPolicy bounds how many times a retryable failure is retried and for
// how long, per the resolved Open Question in SPEC_FULL.md §9: bounded
// exponential backoff with jitter, capped by both a attempt count and a
// wall-clock budget.
type RetryPolicy struct {
	MaxRetries    int
	MaxElapsed    time.Duration
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

// DefaultRetryPolicy matches the teacher's DefaultRetryConfig shape,
// retuned for row-level plugin execution rather than HTTP client calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		MaxElapsed:   30 * time.Second,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Deps is the shared set of collaborators every node-type executor needs:
// the audit recorder, the graph (for route-label lookups), payload
// storage for out-of-line content, a logger, and the retry policy applied
// to retryable plugin failures.
type Deps struct {
	Recorder *landscape.Recorder
	Graph    *dag.Graph
	Store    payloadstore.Store
	Logger   *slog.Logger
	Retry    RetryPolicy
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// rowHash is a small wrapper kept distinct from canonical.Hash's two
// return values so executor call sites read as "hash, then discard
// bytes" without every caller repeating a blank identifier.
func rowHash(row pluginapi.Row) (string, error) {
	hash, _, err := canonical.Hash(map[string]any(row))
	if err != nil {
		return "", fmt.Errorf("executor: hash row: %w", err)
	}
	return hash, nil
}

// beginState opens a NodeState for the given token/node/step/attempt with
// inputHash computed from row, recording contextBefore if non-nil.
func beginState(ctx context.Context, deps Deps, tokenID, nodeID string, stepIndex, attempt int, row pluginapi.Row, contextBefore map[string]any) (*landscape.NodeState, error) {
	inputHash, err := rowHash(row)
	if err != nil {
		return nil, err
	}
	return deps.Recorder.BeginNodeState(ctx, tokenID, nodeID, stepIndex, attempt, inputHash, contextBefore)
}

// pluginContext builds the *pluginapi.Context a plugin call receives,
// scoped to one NodeState attempt.
func pluginContext(ctx context.Context, runID, nodeID, stateID string, attempt int) *pluginapi.Context {
	return &pluginapi.Context{Context: ctx, RunID: runID, NodeID: nodeID, StateID: stateID, Attempt: attempt}
}
