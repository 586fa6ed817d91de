package orchestrator

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// Run executes spec §4.8's full lifecycle: begin_run, validate and
// register the graph, lazily iterate the source, walk each row's token to
// a terminal outcome, then flush every sink bucket and complete_run. On
// any unrecoverable error it fails the run and returns the error.
func (o *Orchestrator) Run(ctx context.Context, config map[string]any, canonicalVersion string) (err error) {
	run, err := o.deps.Recorder.BeginRun(ctx, config, canonicalVersion)
	if err != nil {
		return fmt.Errorf("orchestrator: begin run: %w", err)
	}
	o.runID = run.RunID

	defer func() {
		if err != nil {
			o.log().Error("orchestrator: run failed", "run_id", o.runID, "error", err)
			_ = o.deps.Recorder.CompleteRun(ctx, o.runID, landscape.RunFailed)
		}
	}()

	if err = o.registerTopology(ctx); err != nil {
		return err
	}

	if err = o.drainSource(ctx); err != nil {
		return err
	}

	if err = o.flushAllSinks(ctx); err != nil {
		return err
	}

	if err = o.deps.Recorder.CompleteRun(ctx, o.runID, landscape.RunCompleted); err != nil {
		return fmt.Errorf("orchestrator: complete run: %w", err)
	}
	return nil
}

// drainSource iterates the source lazily, creating a Row and initial Token
// for every item it yields and walking that token through the graph.
func (o *Orchestrator) drainSource(ctx context.Context) error {
	rowsCh, errCh := o.source.Load(ctx)
	defer o.source.Close()

	var rowIndex int64
	for rowsCh != nil || errCh != nil {
		select {
		case v, ok := <-rowsCh:
			if !ok {
				rowsCh = nil
				continue
			}
			if err := o.ingestRow(ctx, rowIndex, v); err != nil {
				return err
			}
			rowIndex++
		case loadErr, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if loadErr != nil {
				return fmt.Errorf("orchestrator: source load: %w", loadErr)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ingestRow records one source-loaded item and starts its token's
// traversal. Malformed (non-map) items are quarantined as a
// ValidationError rather than aborting the run.
func (o *Orchestrator) ingestRow(ctx context.Context, rowIndex int64, v any) error {
	data, ok := v.(pluginapi.Row)
	if !ok {
		if m, isMap := v.(map[string]any); isMap {
			data = pluginapi.Row(m)
			ok = true
		}
	}
	if !ok {
		return o.quarantine(ctx, rowIndex, v)
	}

	row, err := o.deps.Recorder.CreateRow(ctx, o.runID, o.sourceNodeID, rowIndex, data, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: create row: %w", err)
	}
	token, err := o.deps.Recorder.CreateToken(ctx, row.RowID, "", nil)
	if err != nil {
		return fmt.Errorf("orchestrator: create token: %w", err)
	}

	next, err := o.continueTarget(o.sourceNodeID)
	if err != nil {
		return err
	}
	return o.traverse(ctx, token.TokenID, row.RowID, next, 1, data, false)
}

// quarantine records a malformed source item as a ValidationError attached
// to a synthetic, immediately-failed NodeState on the source node. It still
// creates a Row and Token for the item so the NodeState's foreign keys hold
// and the item is queryable through the Landscape like any other row.
func (o *Orchestrator) quarantine(ctx context.Context, rowIndex int64, v any) error {
	raw := pluginapi.Row{"_raw": fmt.Sprintf("%v", v)}
	row, err := o.deps.Recorder.CreateRow(ctx, o.runID, o.sourceNodeID, rowIndex, raw, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: quarantine create row: %w", err)
	}
	token, err := o.deps.Recorder.CreateToken(ctx, row.RowID, "", nil)
	if err != nil {
		return fmt.Errorf("orchestrator: quarantine create token: %w", err)
	}

	state, err := o.deps.Recorder.BeginNodeState(ctx, token.TokenID, o.sourceNodeID, int(rowIndex), 1, "malformed", nil)
	if err != nil {
		return fmt.Errorf("orchestrator: quarantine begin state: %w", err)
	}
	ve := pluginapi.ValidationError{
		ErrorType:    "malformed_row",
		ErrorMessage: fmt.Sprintf("source row %d is not a row-shaped value: %T", rowIndex, v),
	}
	if err := o.deps.Recorder.RecordValidationError(ctx, state.StateID, ve); err != nil {
		return fmt.Errorf("orchestrator: record validation error: %w", err)
	}
	if err := o.deps.Recorder.FailNodeState(ctx, state.StateID, pluginapi.NewExecutionError(fmt.Errorf("%s", ve.ErrorMessage))); err != nil {
		return fmt.Errorf("orchestrator: quarantine fail state: %w", err)
	}
	_, err = o.deps.Recorder.RecordTokenOutcome(ctx, token.TokenID, o.runID, landscape.OutcomeErrorRouted, o.sourceNodeID, true)
	return err
}

// traverse walks tokenID from nodeID to a terminal outcome: a sink bucket,
// an aggregation batch, or (via recursion) a forked set of child tokens.
// rowID is carried along so any child token forked mid-traversal can
// reference the same underlying Row.
func (o *Orchestrator) traverse(ctx context.Context, tokenID, rowID, nodeID string, stepIndex int, row pluginapi.Row, routed bool) error {
	node, ok := o.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("orchestrator: traverse: unknown node %s", nodeID)
	}

	if err := o.throttle(ctx, nodeID); err != nil {
		return fmt.Errorf("orchestrator: throttle %s: %w", nodeID, err)
	}

	switch node.Type {
	case dag.NodeSink:
		o.pending[nodeID] = append(o.pending[nodeID], pendingToken{tokenID: tokenID, row: row, routed: routed})
		return nil

	case dag.NodeAggregation:
		exec, ok := o.aggregations[nodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no aggregation executor for %s", nodeID)
		}
		_, err := exec.Accept(ctx, o.runID, tokenID, row)
		return err

	case dag.NodeTransform:
		exec, ok := o.transforms[nodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no transform executor for %s", nodeID)
		}
		out, err := exec.Run(ctx, o.runID, tokenID, stepIndex, row)
		if err != nil {
			return o.routeToErrorSink(ctx, tokenID, rowID, nodeID, row, err)
		}
		next, err := o.continueTarget(nodeID)
		if err != nil {
			return err
		}
		return o.traverse(ctx, tokenID, rowID, next, stepIndex+1, out, routed)

	case dag.NodeGate:
		exec, ok := o.gates[nodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no gate executor for %s", nodeID)
		}
		decision, err := exec.Run(ctx, o.runID, tokenID, stepIndex, row)
		if err != nil {
			return err
		}
		return o.applyGateDecision(ctx, tokenID, rowID, nodeID, stepIndex, decision)

	default:
		return fmt.Errorf("orchestrator: traverse: unsupported node type %s at %s", node.Type, nodeID)
	}
}

// applyGateDecision advances, routes, or forks tokenID according to the
// gate's RoutingAction (spec §4.7's gate executor semantics).
func (o *Orchestrator) applyGateDecision(ctx context.Context, tokenID, rowID, nodeID string, stepIndex int, decision *executor.GateDecision) error {
	switch decision.Action.Kind {
	case pluginapi.ActionContinue:
		next, err := o.continueTarget(nodeID)
		if err != nil {
			return err
		}
		return o.traverse(ctx, tokenID, rowID, next, stepIndex+1, decision.Row, false)

	case pluginapi.ActionRouteToSink:
		sinkNodeID, err := o.resolveSinkNode(decision.Action.SinkName)
		if err != nil {
			return err
		}
		return o.traverse(ctx, tokenID, rowID, sinkNodeID, stepIndex+1, decision.Row, true)

	case pluginapi.ActionRouteMultiple:
		return o.applyFanOut(ctx, tokenID, rowID, stepIndex, decision)

	default:
		return fmt.Errorf("orchestrator: unknown routing action kind %q", decision.Action.Kind)
	}
}

// applyFanOut implements route_multiple: MOVE picks exactly one
// destination and terminates the original token; COPY forks a new child
// token per destination, each with tokenID recorded as its parent and
// rowID as its Row (the underlying data didn't change, only its routing).
func (o *Orchestrator) applyFanOut(ctx context.Context, tokenID, rowID string, stepIndex int, decision *executor.GateDecision) error {
	if decision.Action.Mode == pluginapi.RouteMove {
		if len(decision.Action.SinkNames) == 0 {
			return fmt.Errorf("orchestrator: route_multiple MOVE with no destinations")
		}
		sinkNodeID, err := o.resolveSinkNode(decision.Action.SinkNames[0])
		if err != nil {
			return err
		}
		return o.traverse(ctx, tokenID, rowID, sinkNodeID, stepIndex+1, decision.Row, true)
	}

	for _, sinkName := range decision.Action.SinkNames {
		sinkNodeID, err := o.resolveSinkNode(sinkName)
		if err != nil {
			return err
		}
		child, err := o.deps.Recorder.CreateToken(ctx, rowID, sinkName, []string{tokenID})
		if err != nil {
			return fmt.Errorf("orchestrator: fork child token: %w", err)
		}
		if err := o.traverse(ctx, child.TokenID, rowID, sinkNodeID, stepIndex+1, decision.Row, true); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) resolveSinkNode(sinkName string) (string, error) {
	if n, ok := o.graph.Node(sinkName); ok {
		return n.ID, nil
	}
	return "", fmt.Errorf("orchestrator: unknown sink %q", sinkName)
}

// routeToErrorSink sends a token that exhausted its retries to the node's
// configured on_error sink. When no on_error sink is configured, the token
// itself is marked as a terminal failure rather than aborting the whole
// run (spec §4.7's "route the token to on_error, or mark terminal
// failure").
func (o *Orchestrator) routeToErrorSink(ctx context.Context, tokenID, rowID, nodeID string, row pluginapi.Row, cause error) error {
	node, _ := o.graph.Node(nodeID)
	errSinkName, _ := node.Config["on_error"].(string)
	if errSinkName == "" {
		o.log().Warn("orchestrator: token failed terminally with no on_error sink", "node_id", nodeID, "token_id", tokenID, "error", cause)
		_, err := o.deps.Recorder.RecordTokenOutcome(ctx, tokenID, o.runID, landscape.OutcomeErrorRouted, nodeID, true)
		return err
	}
	sinkNodeID, err := o.resolveSinkNode(errSinkName)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve on_error sink for %s: %w", nodeID, err)
	}
	return o.traverse(ctx, tokenID, rowID, sinkNodeID, 0, row, true)
}

// flushAllSinks writes the buffered bucket for every sink node with
// pending tokens. Buckets are visited in map iteration order, so the order
// of sink flushes is not defined.
func (o *Orchestrator) flushAllSinks(ctx context.Context) error {
	for nodeID, bucket := range o.pending {
		exec, ok := o.sinks[nodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no sink executor for %s", nodeID)
		}
		tokens := make([]executor.SinkToken, len(bucket))
		for i, p := range bucket {
			tokens[i] = executor.SinkToken{TokenID: p.tokenID, Row: p.row, Routed: p.routed}
		}
		if _, err := exec.Flush(ctx, o.runID, tokens); err != nil {
			return fmt.Errorf("orchestrator: flush sink %s: %w", nodeID, err)
		}
	}
	return nil
}
