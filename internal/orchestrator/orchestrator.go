// Package orchestrator drives one ELSPETH run: it owns the single-threaded
// control loop described in spec §4.8, walking each row's token through
// the execution graph, dispatching to the per-node-type executors in
// internal/executor, and recording every lifecycle transition through the
// Landscape recorder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// ErrNoOutputSink is returned when a token falls off the end of the graph
// with no explicit route and the graph's configured output sink is empty.
var ErrNoOutputSink = errors.New("orchestrator: token has no route and no output sink is configured")

// pendingToken is one buffered row awaiting a sink's bulk flush.
type pendingToken struct {
	tokenID string
	row     pluginapi.Row
	routed  bool
}

// Orchestrator is the control plane for one Run. It is not safe for
// concurrent use: spec §4.8 requires the control plane itself to be
// single-threaded, with all concurrency contained inside plugins (the
// batch transform bridge) or per-process I/O.
type Orchestrator struct {
	deps  executor.Deps
	graph *dag.Graph

	source       pluginapi.Source
	sourceNodeID string

	transforms   map[string]*executor.TransformExecutor
	gates        map[string]*executor.GateExecutor
	aggregations map[string]*executor.AggregationExecutor
	sinks        map[string]*executor.SinkExecutor

	// pending buckets rows by sink node ID for the bulk flush at source
	// exhaustion; the default bucket key is always graph.GetOutputSink(),
	// resolved dynamically rather than hardcoded (spec §4.8 step 3).
	pending map[string][]pendingToken

	// plugins tracks each registered plugin by node ID purely so throttle
	// can inspect its Determinism; the executor wrappers above don't
	// expose the underlying plugin.
	plugins map[string]pluginapi.Plugin

	limiter *rate.Limiter
	logger  *slog.Logger

	runID         string
	checkpointSeq int64
}

// New builds an Orchestrator over graph, using deps for recording. limiter,
// if non-nil, throttles invocations of plugins whose Determinism is
// pluginapi.ExternalCall — shared process-wide since external calls across
// different node instances still contend for the same downstream capacity.
func New(deps executor.Deps, graph *dag.Graph, limiter *rate.Limiter) *Orchestrator {
	return &Orchestrator{
		deps:         deps,
		graph:        graph,
		transforms:   make(map[string]*executor.TransformExecutor),
		gates:        make(map[string]*executor.GateExecutor),
		aggregations: make(map[string]*executor.AggregationExecutor),
		sinks:        make(map[string]*executor.SinkExecutor),
		pending:      make(map[string][]pendingToken),
		plugins:      make(map[string]pluginapi.Plugin),
		limiter:      limiter,
		logger:       deps.Logger,
	}
}

// RegisterSource binds the run's single source plugin.
func (o *Orchestrator) RegisterSource(nodeID string, src pluginapi.Source) {
	o.sourceNodeID = nodeID
	o.source = src
	o.plugins[nodeID] = src
}

// RegisterTransform binds a transform plugin to a graph node.
func (o *Orchestrator) RegisterTransform(nodeID string, plugin pluginapi.Transform) {
	o.transforms[nodeID] = executor.NewTransformExecutor(o.deps, nodeID, plugin)
	o.plugins[nodeID] = plugin
}

// RegisterGate binds a gate plugin to a graph node.
func (o *Orchestrator) RegisterGate(nodeID string, plugin pluginapi.Gate) {
	o.gates[nodeID] = executor.NewGateExecutor(o.deps, nodeID, plugin)
	o.plugins[nodeID] = plugin
}

// RegisterAggregation binds an aggregation plugin to a graph node.
// checkpointEvery is the row count between automatic checkpoints.
func (o *Orchestrator) RegisterAggregation(nodeID string, plugin pluginapi.Aggregation, checkpointEvery int) {
	o.aggregations[nodeID] = executor.NewAggregationExecutor(o.deps, nodeID, plugin, checkpointEvery)
	o.plugins[nodeID] = plugin
}

// RegisterSink binds a sink plugin (ordinarily wrapped in an
// executor.SinkAdapter) to a graph node, under sinkName.
func (o *Orchestrator) RegisterSink(nodeID, sinkName string, plugin pluginapi.Sink) {
	o.sinks[nodeID] = executor.NewSinkExecutor(o.deps, nodeID, sinkName, plugin)
	o.plugins[nodeID] = plugin
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// registerTopology validates the graph and records its nodes (in
// topological order) and edges, per spec §4.8 step 1.
func (o *Orchestrator) registerTopology(ctx context.Context) error {
	if err := o.graph.Validate(); err != nil {
		return fmt.Errorf("orchestrator: invalid graph: %w", err)
	}

	order, err := o.graph.TopologicalOrder()
	if err != nil {
		return fmt.Errorf("orchestrator: topological order: %w", err)
	}

	for _, nodeID := range order {
		n, _ := o.graph.Node(nodeID)
		if _, err := o.deps.Recorder.RegisterNode(ctx, o.runID, n.ID, n.PluginName, landscape.NodeType(n.Type), "1.0.0", n.Config, nil); err != nil {
			return fmt.Errorf("orchestrator: register node %s: %w", nodeID, err)
		}
	}
	for _, nodeID := range order {
		for _, e := range o.graph.GetEdges(nodeID) {
			if _, err := o.deps.Recorder.RegisterEdge(ctx, o.runID, e.From, e.To, e.Label, landscape.EdgeMode(e.Mode)); err != nil {
				return fmt.Errorf("orchestrator: register edge %s->%s: %w", e.From, e.To, err)
			}
		}
	}
	return nil
}

// continueTarget resolves the node a token advances to from fromNodeID
// along its default (non-gated) path, falling back to the graph's
// configured output sink when fromNodeID has no explicit "continue" edge —
// the terminal step for a transform chain that feeds straight to output.
func (o *Orchestrator) continueTarget(fromNodeID string) (string, error) {
	for _, e := range o.graph.GetEdges(fromNodeID) {
		if e.Label == dag.ContinueLabel {
			return e.To, nil
		}
	}
	sink := o.graph.GetOutputSink()
	if sink == "" {
		return "", ErrNoOutputSink
	}
	return sink, nil
}

// throttle waits on the shared rate limiter before invoking nodeID's
// plugin, but only when that plugin is tagged ExternalCall — deterministic
// and non-deterministic-but-local plugins never contend for external
// capacity.
func (o *Orchestrator) throttle(ctx context.Context, nodeID string) error {
	if o.limiter == nil {
		return nil
	}
	plugin, ok := o.plugins[nodeID]
	if !ok || plugin.Determinism() != pluginapi.ExternalCall {
		return nil
	}
	return o.limiter.Wait(ctx)
}
