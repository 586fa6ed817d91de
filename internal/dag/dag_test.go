package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func straightThroughGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("json_output")
	require.NoError(t, g.AddNode("csv_source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("json_output", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("csv_source", "json_output", ContinueLabel, MOVE))
	return g
}

func TestGraph_ValidateStraightThrough(t *testing.T) {
	g := straightThroughGraph(t)
	assert.NoError(t, g.Validate())
}

func TestGraph_ValidateRejectsCycle(t *testing.T) {
	g := NewGraph("b")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("a", NodeTransform, "noop", nil))
	require.NoError(t, g.AddNode("b", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("source", "a", ContinueLabel, MOVE))
	require.NoError(t, g.AddEdge("a", "b", ContinueLabel, MOVE))
	require.NoError(t, g.AddEdge("b", "a", ContinueLabel, MOVE))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestGraph_ValidateRequiresExactlyOneSource(t *testing.T) {
	g := NewGraph("sink")
	require.NoError(t, g.AddNode("sink", NodeSink, "json", nil))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestGraph_ValidateRequiresAtLeastOneSink(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrNoSink)
}

func TestGraph_ValidateRejectsDanglingEdge(t *testing.T) {
	g := NewGraph("sink")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("sink", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("source", "ghost", ContinueLabel, MOVE))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrDanglingEdge)
}

func TestGraph_ValidateRejectsUnresolvedOutputSink(t *testing.T) {
	g := NewGraph("missing_sink")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("sink", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("source", "sink", ContinueLabel, MOVE))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrUnresolvedOutputSink)
}

func TestGraph_ValidateRejectsGateRouteToNonSink(t *testing.T) {
	g := NewGraph("sink")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("gate", NodeGate, "filter", nil))
	require.NoError(t, g.AddNode("transform", NodeTransform, "noop", nil))
	require.NoError(t, g.AddNode("sink", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("source", "gate", ContinueLabel, MOVE))
	require.NoError(t, g.AddEdge("gate", "transform", "discarded", MOVE))
	require.NoError(t, g.AddEdge("transform", "sink", ContinueLabel, MOVE))

	err := g.Validate()
	assert.ErrorIs(t, err, ErrGateRouteTarget)
}

func TestGraph_GetRouteLabel(t *testing.T) {
	g := NewGraph("results")
	require.NoError(t, g.AddNode("source", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("gate", NodeGate, "filter", nil))
	require.NoError(t, g.AddNode("results", NodeSink, "json", nil))
	require.NoError(t, g.AddNode("discarded", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("source", "gate", ContinueLabel, MOVE))
	require.NoError(t, g.AddEdge("gate", "results", ContinueLabel, MOVE))
	require.NoError(t, g.AddEdge("gate", "discarded", "discarded", MOVE))

	label, err := g.GetRouteLabel("gate", "discarded")
	require.NoError(t, err)
	assert.Equal(t, "discarded", label)

	label, err = g.GetRouteLabel("gate", "results")
	require.NoError(t, err)
	assert.Equal(t, ContinueLabel, label)

	_, err = g.GetRouteLabel("gate", "nonexistent")
	assert.ErrorIs(t, err, ErrDanglingEdge)
}

func TestGraph_TopologicalOrderDeterministic(t *testing.T) {
	g := straightThroughGraph(t)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"csv_source", "json_output"}, order)
}

func TestGraph_AddNodeRejectsDuplicate(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, g.AddNode("a", NodeSource, "csv", nil))
	err := g.AddNode("a", NodeSink, "json", nil)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestGraph_AddEdgeRejectsDuplicateLabel(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, g.AddNode("a", NodeSource, "csv", nil))
	require.NoError(t, g.AddNode("b", NodeSink, "json", nil))
	require.NoError(t, g.AddNode("c", NodeSink, "json", nil))
	require.NoError(t, g.AddEdge("a", "b", ContinueLabel, MOVE))
	err := g.AddEdge("a", "c", ContinueLabel, MOVE)
	assert.ErrorIs(t, err, ErrDuplicateEdgeLabel)
}

func TestGraph_DOTRendersWithoutPanic(t *testing.T) {
	g := straightThroughGraph(t)
	out := g.DOT()
	assert.Contains(t, out, "csv_source")
	assert.Contains(t, out, "json_output")
}
