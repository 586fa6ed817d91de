// Package landscape implements ELSPETH's audit trail: the relational
// schema, the transactional Recorder that writes to it, and the query
// accessors used by recovery and lineage. The Landscape is the system's
// ground truth — every row, plugin invocation, external call, routing
// decision, and output artifact is recorded here, append-only except for
// the status transitions on Run, NodeState, and Batch.
package landscape

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NodeType mirrors dag.NodeType without importing the dag package, keeping
// the Landscape schema free of graph-construction concerns.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeSink        NodeType = "sink"
)

// EdgeMode mirrors dag.EdgeMode.
type EdgeMode string

const (
	MOVE EdgeMode = "MOVE"
	COPY EdgeMode = "COPY"
)

// NodeStateStatus is the lifecycle state of one NodeState.
type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "open"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// CallType classifies an external call made from inside a NodeState.
type CallType string

const (
	CallLLM        CallType = "llm"
	CallHTTP       CallType = "http"
	CallSQL        CallType = "sql"
	CallFilesystem CallType = "filesystem"
)

// CallStatus is the outcome of an external call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailure CallStatus = "error"
)

// TokenOutcomeKind is the terminal disposition of a token.
type TokenOutcomeKind string

const (
	OutcomeCompleted        TokenOutcomeKind = "completed"
	OutcomeRouted           TokenOutcomeKind = "routed"
	OutcomeErrorRouted      TokenOutcomeKind = "error-routed"
	OutcomeDroppedBySink    TokenOutcomeKind = "dropped-by-sink-failure"
)

// BatchStatus is the lifecycle state of an aggregation Batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Run is one pipeline execution.
type Run struct {
	RunID               string
	StartedAt           time.Time
	CompletedAt         *time.Time
	ConfigHash          string
	SettingsJSON        json.RawMessage
	CanonicalVersion    string
	Status               RunStatus
	ReproducibilityGrade string
}

// Node is a plugin instance resolved to a graph node.
type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	ConfigHash         string
	ConfigJSON         json.RawMessage
	SchemaHash         string
	SequenceInPipeline *int
	RegisteredAt       time.Time
}

// Edge is a directed, labeled connection between two nodes.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode EdgeMode
	CreatedAt   time.Time
}

// Row is a source-loaded input.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int64
	SourceDataHash string
	SourceDataRef  *string // PayloadRef content hash, if stored out of line
	CreatedAt      time.Time
}

// Token is a traversal identity of a Row along one DAG path.
type Token struct {
	TokenID      string
	RowID        string
	BranchName   string
	ForkGroupID  string
	JoinGroupID  string
	CreatedAt    time.Time
}

// TokenParent is the multi-parent closure row for fork/join.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// NodeState is the per-(token, node) execution record.
type NodeState struct {
	StateID          string
	TokenID          string
	NodeID           string
	StepIndex        int
	Attempt          int
	Status           NodeStateStatus
	InputHash        string
	OutputHash       *string
	ContextBeforeJSON json.RawMessage
	ContextAfterJSON  json.RawMessage
	DurationMS       *int64
	ErrorJSON        json.RawMessage
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// Call is an external call made from inside a NodeState.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	RequestRef   *string
	ResponseHash *string
	ResponseRef  *string
	ErrorJSON    json.RawMessage
	LatencyMS    int64
	CreatedAt    time.Time
}

// Artifact is a sink's output record.
type Artifact struct {
	ArtifactID      string
	RunID           string
	ProducedByState string
	SinkNodeID      string
	ArtifactType    string
	PathOrURI       string
	ContentHash     string
	SizeBytes       int64
	CreatedAt       time.Time
}

// TokenOutcome is the terminal disposition of a token.
type TokenOutcome struct {
	OutcomeID  string
	TokenID    string
	RunID      string
	Outcome    TokenOutcomeKind
	SinkName   string
	IsTerminal bool
	CreatedAt  time.Time
}

// Batch belongs to an aggregation node.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	Status             BatchStatus
	Attempt            int
	CreatedAt          time.Time
	CompletedAt        *time.Time
	AggregationStateID *string
}

// BatchMember links a token into a Batch at a given position.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// Checkpoint persists serialized aggregation state.
type Checkpoint struct {
	CheckpointID         string
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int64
	AggregationStateJSON json.RawMessage
	CreatedAt            time.Time
}

// ValidationError is a structured error row linked to a source NodeState.
type ValidationError struct {
	ErrorID      string
	StateID      string
	ErrorType    string
	ErrorMessage string
	Field        string
	DetailsJSON  json.RawMessage
	CreatedAt    time.Time
}

// TransformError is a structured error row linked to a transform NodeState.
type TransformError struct {
	ErrorID      string
	StateID      string
	ErrorType    string
	ErrorMessage string
	Field        string
	DetailsJSON  json.RawMessage
	CreatedAt    time.Time
}

// ResumePoint is the information needed to resume a crashed run.
type ResumePoint struct {
	Checkpoint       *Checkpoint
	TokenID          string
	NodeID           string
	SequenceNumber   int64
	AggregationState json.RawMessage
}
