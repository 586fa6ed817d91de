// Package dag implements ELSPETH's execution graph: typed nodes and labeled
// edges describing how tokens move between source, transform, gate,
// aggregation, and sink plugins.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/emicklei/dot"
)

// NodeType classifies a graph node by the plugin kind it wraps.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeSink        NodeType = "sink"
)

// EdgeMode controls fan-out semantics. MOVE transfers the single token down
// one branch; COPY produces new child tokens, one per destination.
type EdgeMode string

const (
	MOVE EdgeMode = "MOVE"
	COPY EdgeMode = "COPY"
)

// ContinueLabel is the edge label used for the default, non-routed path.
const ContinueLabel = "continue"

// Node is a plugin instance resolved to a graph position.
type Node struct {
	ID         string
	Type       NodeType
	PluginName string
	Config     map[string]any
}

// EdgeInfo describes one labeled, directed connection.
type EdgeInfo struct {
	From  string
	To    string
	Label string
	Mode  EdgeMode
}

var (
	// ErrCycle is returned by Validate when the graph contains a cycle.
	ErrCycle = errors.New("dag: graph contains a cycle")
	// ErrNoSource is returned when the graph has zero or more than one source node.
	ErrNoSource = errors.New("dag: graph must have exactly one source node")
	// ErrNoSink is returned when the graph has no sink nodes.
	ErrNoSink = errors.New("dag: graph must have at least one sink node")
	// ErrDanglingEdge is returned when an edge targets an unregistered node.
	ErrDanglingEdge = errors.New("dag: edge targets an unregistered node")
	// ErrDuplicateNode is returned by AddNode for a repeated node ID.
	ErrDuplicateNode = errors.New("dag: duplicate node id")
	// ErrDuplicateEdgeLabel is returned by AddEdge for a repeated (from, label) pair.
	ErrDuplicateEdgeLabel = errors.New("dag: duplicate edge label from this node")
	// ErrUnresolvedOutputSink is returned when the configured output sink does not exist.
	ErrUnresolvedOutputSink = errors.New("dag: configured output_sink does not exist")
	// ErrGateRouteTarget is returned when a gate's route target is neither a sink nor "continue".
	ErrGateRouteTarget = errors.New("dag: gate route target must resolve to a sink or continue")
)

// Graph is ELSPETH's typed execution graph.
type Graph struct {
	nodes      map[string]*Node
	order      []string // insertion order, for deterministic iteration
	edges      []EdgeInfo
	edgeByFrom map[string][]EdgeInfo // from_node_id -> edges, in insertion order

	outputSink string
}

// NewGraph creates an empty graph. outputSink names the sink that "continue"
// routes resolve to by default; it must be added as a node before Validate.
func NewGraph(outputSink string) *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		edgeByFrom: make(map[string][]EdgeInfo),
		outputSink: outputSink,
	}
}

// AddNode registers a node. Node IDs must be unique.
func (g *Graph) AddNode(id string, nodeType NodeType, pluginName string, config map[string]any) error {
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	g.nodes[id] = &Node{ID: id, Type: nodeType, PluginName: pluginName, Config: config}
	g.order = append(g.order, id)
	return nil
}

// AddEdge registers a labeled, directed edge. Edges are additionally indexed
// by (from, label) for uniqueness and by (from, to) so that
// GetRouteLabel can map a gate's chosen sink name back to the label that was
// configured for it.
func (g *Graph) AddEdge(from, to, label string, mode EdgeMode) error {
	for _, e := range g.edgeByFrom[from] {
		if e.Label == label {
			return fmt.Errorf("%w: from=%s label=%s", ErrDuplicateEdgeLabel, from, label)
		}
	}
	e := EdgeInfo{From: from, To: to, Label: label, Mode: mode}
	g.edges = append(g.edges, e)
	g.edgeByFrom[from] = append(g.edgeByFrom[from], e)
	return nil
}

// Node returns the node registered under id, if any.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// GetOutputSink returns the configured default sink for "continue" tokens.
// Callers must never hardcode a sink literal in its place.
func (g *Graph) GetOutputSink() string {
	return g.outputSink
}

// GetEdges returns every edge registered from fromNodeID, in registration
// order. Edges are keyed by (from_node_id, sink_name) because gates emit
// sink names, not the route label recorded on the edge; GetRouteLabel
// recovers the label.
func (g *Graph) GetEdges(fromNodeID string) []EdgeInfo {
	return append([]EdgeInfo(nil), g.edgeByFrom[fromNodeID]...)
}

// GetRouteLabel returns the route label recorded on the edge from
// fromNodeID whose target is sinkName, or ContinueLabel when sinkName is the
// node's default continuation target. This is the fix for the historical
// mismatch between gate decisions (which name sinks) and edge storage
// (which stores route labels).
func (g *Graph) GetRouteLabel(fromNodeID, sinkName string) (string, error) {
	for _, e := range g.edgeByFrom[fromNodeID] {
		if e.To == sinkName {
			return e.Label, nil
		}
	}
	return "", fmt.Errorf("%w: from=%s sink=%s", ErrDanglingEdge, fromNodeID, sinkName)
}

// TopologicalOrder returns node IDs in a deterministic topological order
// (Kahn's algorithm, ties broken by ascending node ID), suitable for
// Landscape node registration.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var result []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		var newlyReady []string
		for _, e := range g.edgeByFrom[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				newlyReady = append(newlyReady, e.To)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
		sort.Strings(ready)
	}

	if len(result) != len(g.nodes) {
		return nil, ErrCycle
	}
	return result, nil
}

// Validate checks every structural invariant the spec requires: acyclicity,
// exactly one source, at least one sink, every edge target registered, every
// gate route target resolving to a sink or "continue", and the configured
// output sink existing. All defects are collected and returned together via
// errors.Join, rather than failing on the first one found.
func (g *Graph) Validate() error {
	var errs []error

	if _, err := g.TopologicalOrder(); err != nil {
		errs = append(errs, err)
	}

	sourceCount := 0
	sinkIDs := make(map[string]bool)
	for _, id := range g.order {
		n := g.nodes[id]
		switch n.Type {
		case NodeSource:
			sourceCount++
		case NodeSink:
			sinkIDs[id] = true
		}
	}
	if sourceCount != 1 {
		errs = append(errs, fmt.Errorf("%w: found %d", ErrNoSource, sourceCount))
	}
	if len(sinkIDs) == 0 {
		errs = append(errs, ErrNoSink)
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.To]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrDanglingEdge, e.From, e.To))
			continue
		}
		from := g.nodes[e.From]
		if from != nil && from.Type == NodeGate {
			if e.Label != ContinueLabel && !sinkIDs[e.To] {
				errs = append(errs, fmt.Errorf("%w: gate %s route %q -> %s", ErrGateRouteTarget, e.From, e.Label, e.To))
			}
		}
	}

	if g.outputSink != "" && !sinkIDs[g.outputSink] {
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnresolvedOutputSink, g.outputSink))
	}

	return errors.Join(errs...)
}

// DOT renders the graph as a Graphviz DOT document, labeling edges with
// their route label and fan-out mode. Used by `elspeth validate --dot` and
// other inspection tooling; has no bearing on execution semantics.
func (g *Graph) DOT() string {
	gr := dot.NewGraph(dot.Directed)

	nodesByID := make(map[string]dot.Node, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		gn := gr.Node(id).Attr("label", fmt.Sprintf("%s\\n(%s)", id, n.Type))
		nodesByID[id] = gn
	}
	for _, e := range g.edges {
		label := fmt.Sprintf("%s/%s", e.Label, e.Mode)
		gr.Edge(nodesByID[e.From], nodesByID[e.To]).Attr("label", label)
	}
	return gr.String()
}
