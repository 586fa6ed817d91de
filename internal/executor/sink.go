package executor

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// SinkToken pairs a token with the row it carries into a sink flush, so
// SinkExecutor can record per-token TokenOutcomes after one bulk write.
type SinkToken struct {
	TokenID string
	Row     pluginapi.Row
	// Routed is true when the token reached this sink via an explicit
	// gate route_to_sink decision rather than the default output path;
	// it controls whether the recorded TokenOutcome is "routed" or
	// "completed".
	Routed bool
}

// SinkExecutor drives one Sink plugin (wrapped in a SinkAdapter) through a
// bulk write and records the resulting Artifact plus a terminal
// TokenOutcome for every token in the batch (spec §4.7).
type SinkExecutor struct {
	deps   Deps
	plugin pluginapi.Sink
	nodeID string
	name   string
}

// NewSinkExecutor binds a pluginapi.Sink (ordinarily a *SinkAdapter) to
// nodeID. name is the sink's configured name, recorded on TokenOutcome.
func NewSinkExecutor(deps Deps, nodeID, name string, plugin pluginapi.Sink) *SinkExecutor {
	return &SinkExecutor{deps: deps, plugin: plugin, nodeID: nodeID, name: name}
}

// Flush writes every token's row to the sink in one bulk call, recording
// one Artifact and one TokenOutcome per token.
func (e *SinkExecutor) Flush(ctx context.Context, runID string, tokens []SinkToken) (pluginapi.ArtifactInfo, error) {
	if len(tokens) == 0 {
		return pluginapi.ArtifactInfo{}, nil
	}

	rows := make([]pluginapi.Row, len(tokens))
	for i, t := range tokens {
		rows[i] = t.Row
	}

	state, err := beginState(ctx, e.deps, tokens[0].TokenID, e.nodeID, 0, 1, pluginapi.Row{"batch_size": len(rows)}, nil)
	if err != nil {
		return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink begin state: %w", err)
	}
	pctx := pluginContext(ctx, runID, e.nodeID, state.StateID, 1)

	info, err := e.plugin.Write(pctx, rows)
	if err != nil {
		_ = e.deps.Recorder.FailNodeState(ctx, state.StateID, pluginapi.NewExecutionError(err))
		return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink write: %w", err)
	}
	if err := e.deps.Recorder.CompleteNodeState(ctx, state.StateID, info.ContentHash, nil, 0); err != nil {
		return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink complete state: %w", err)
	}

	if _, err := e.deps.Recorder.RecordArtifact(ctx, runID, e.nodeID, state.StateID, info); err != nil {
		return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink record artifact: %w", err)
	}

	for _, t := range tokens {
		outcome := landscape.OutcomeCompleted
		if t.Routed {
			outcome = landscape.OutcomeRouted
		}
		if _, err := e.deps.Recorder.RecordTokenOutcome(ctx, t.TokenID, runID, outcome, e.name, true); err != nil {
			return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink record token outcome: %w", err)
		}
	}

	return info, nil
}
