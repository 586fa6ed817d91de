package pluginapi

// TransformResult is the tagged-union result of Transform.Process: either a
// successful row or a retryable/non-retryable error. Never both.
type TransformResult struct {
	ok        bool
	row       Row
	reason    TransformReason
	execErr   ExecutionError
	retryable bool
}

// TransformSuccess builds a successful TransformResult carrying row.
func TransformSuccess(row Row) TransformResult {
	return TransformResult{ok: true, row: row}
}

// TransformError builds a failing TransformResult. execErr captures the raw
// failure; reason captures the structured, audit-facing explanation.
func TransformError(execErr ExecutionError, reason TransformReason, retryable bool) TransformResult {
	return TransformResult{ok: false, execErr: execErr, reason: reason, retryable: retryable}
}

// IsSuccess reports whether the transform succeeded.
func (r TransformResult) IsSuccess() bool { return r.ok }

// Row returns the produced row. Only meaningful when IsSuccess is true.
func (r TransformResult) Row() Row { return r.row }

// Reason returns the structured transform-failure explanation. Only
// meaningful when IsSuccess is false.
func (r TransformResult) Reason() TransformReason { return r.reason }

// Error returns the raw execution error. Only meaningful when IsSuccess is false.
func (r TransformResult) Error() ExecutionError { return r.execErr }

// Retryable reports whether the executor should retry this failure with
// backoff before error-routing the token.
func (r TransformResult) Retryable() bool { return r.retryable }

// RoutingActionKind tags the variant of a RoutingAction.
type RoutingActionKind string

const (
	ActionContinue      RoutingActionKind = "continue"
	ActionRouteToSink   RoutingActionKind = "route_to_sink"
	ActionRouteMultiple RoutingActionKind = "route_multiple"
)

// RoutingAction is the tagged-union decision a Gate returns. Exactly one of
// its variants is meaningful, selected by Kind.
type RoutingAction struct {
	Kind      RoutingActionKind
	SinkName  string   // ActionRouteToSink
	SinkNames []string // ActionRouteMultiple
	Mode      EdgeModeLike
	Reason    RoutingReason
}

// EdgeModeLike mirrors dag.EdgeMode without pluginapi importing the dag
// package, keeping the plugin contract dependency-free of graph internals.
type EdgeModeLike string

const (
	RouteMove EdgeModeLike = "MOVE"
	RouteCopy EdgeModeLike = "COPY"
)

// Continue builds the default "advance past this gate" action.
func Continue(reason RoutingReason) RoutingAction {
	return RoutingAction{Kind: ActionContinue, Reason: reason}
}

// RouteToSink builds an explicit single-sink routing decision. A gate that
// wants to discard a row must route it to an explicit discard sink; silent
// drops are never permitted.
func RouteToSink(sinkName string, reason RoutingReason) RoutingAction {
	return RoutingAction{Kind: ActionRouteToSink, SinkName: sinkName, Reason: reason}
}

// RouteMultiple builds a fan-out routing decision. MOVE chooses one
// destination and terminates the original token; COPY forks a new child
// token per destination.
func RouteMultiple(sinkNames []string, mode EdgeModeLike, reason RoutingReason) RoutingAction {
	return RoutingAction{Kind: ActionRouteMultiple, SinkNames: sinkNames, Mode: mode, Reason: reason}
}

// GateResult pairs a (possibly annotated) row with the routing decision.
type GateResult struct {
	Row    Row
	Action RoutingAction
}
