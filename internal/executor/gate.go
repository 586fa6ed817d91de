package executor

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// GateDecision is what GateExecutor.Run hands back to the orchestrator: the
// (possibly annotated) row, and the routing action the orchestrator must
// act on — advancing the token, routing it to a sink, or forking it.
type GateDecision struct {
	Row    pluginapi.Row
	Action pluginapi.RoutingAction
	// RouteLabel is the edge label the DAG records for Action, resolved via
	// graph.GetRouteLabel so callers never compare against a route_to_sink
	// sink name directly.
	RouteLabel string
}

// GateExecutor drives one Gate plugin through the NodeState envelope and
// records its RoutingEvent in context_after_json under the "routing" key
// (spec §4.7, and landscape.Recorder.GetRoutingEvents' documented
// decoding convention).
type GateExecutor struct {
	deps   Deps
	plugin pluginapi.Gate
	nodeID string
}

// NewGateExecutor binds plugin to nodeID.
func NewGateExecutor(deps Deps, nodeID string, plugin pluginapi.Gate) *GateExecutor {
	return &GateExecutor{deps: deps, plugin: plugin, nodeID: nodeID}
}

// Run evaluates the gate for one token at stepIndex.
func (e *GateExecutor) Run(ctx context.Context, runID, tokenID string, stepIndex int, row pluginapi.Row) (*GateDecision, error) {
	state, err := beginState(ctx, e.deps, tokenID, e.nodeID, stepIndex, 1, row, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: gate begin state: %w", err)
	}

	pctx := pluginContext(ctx, runID, e.nodeID, state.StateID, 1)
	result := e.plugin.Evaluate(pctx, row)

	sinkName := targetSinkName(result.Action)
	routeLabel, err := e.resolveRouteLabel(result.Action, sinkName)
	if err != nil {
		return nil, err
	}

	contextAfter := map[string]any{
		"routing": map[string]any{
			"kind":      result.Action.Kind,
			"sink_name": sinkName,
			"reason":    result.Action.Reason,
		},
	}

	outHash, err := rowHash(result.Row)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Recorder.CompleteNodeState(ctx, state.StateID, outHash, contextAfter, 0); err != nil {
		return nil, fmt.Errorf("executor: gate complete state: %w", err)
	}

	return &GateDecision{Row: result.Row, Action: result.Action, RouteLabel: routeLabel}, nil
}

// targetSinkName extracts the single sink name a routing action names, for
// MOVE route_multiple the route_label lookup only needs one representative
// target; route_multiple/COPY fans out per destination at the orchestrator
// level and resolves each label independently.
func targetSinkName(action pluginapi.RoutingAction) string {
	switch action.Kind {
	case pluginapi.ActionRouteToSink:
		return action.SinkName
	case pluginapi.ActionRouteMultiple:
		if len(action.SinkNames) > 0 {
			return action.SinkNames[0]
		}
	}
	return ""
}

func (e *GateExecutor) resolveRouteLabel(action pluginapi.RoutingAction, sinkName string) (string, error) {
	if action.Kind == pluginapi.ActionContinue {
		return "continue", nil
	}
	if sinkName == "" {
		return "", fmt.Errorf("executor: gate %s produced routing action %s with no sink name", e.nodeID, action.Kind)
	}
	label, err := e.deps.Graph.GetRouteLabel(e.nodeID, sinkName)
	if err != nil {
		return "", fmt.Errorf("executor: resolve gate route label: %w", err)
	}
	return label, nil
}
