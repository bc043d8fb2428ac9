package models

// NodeType identifies what an agent pipeline node does. The set is closed;
// see execution.ParseNodeType.
type NodeType string

const (
	NodeSpeechCapture NodeType = "speech_capture"
	NodeTextInput     NodeType = "text_input"
	NodeImageInput    NodeType = "image_input"
	NodeScoring       NodeType = "scoring"
	NodeRuleCheck     NodeType = "rule_check"
	NodeSummarizer    NodeType = "summarizer"
	NodeReviewGate    NodeType = "review_gate"
	NodeDraftOutput   NodeType = "draft_output"
)

// WorkflowNode is one step of an agent pipeline
type WorkflowNode struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Connection states that To must run after From
type Connection struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// WorkflowGraph is a pipeline description: nodes plus "must run after" edges
type WorkflowGraph struct {
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []WorkflowNode `json:"nodes" yaml:"nodes"`
	Connections []Connection   `json:"connections" yaml:"connections"`
}

// ValidationError represents a workflow validation issue
type ValidationError struct {
	Type    string `json:"type"` // "schema", "cycle", "missing_input", "missing_output", "dangling"
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

// ValidationResult is the outcome of validating a workflow graph
type ValidationResult struct {
	IsValid        bool              `json:"isValid"`
	Issues         []ValidationError `json:"issues"`
	ExecutionOrder []string          `json:"executionOrder"`
}

// NodeUpdate is a progress event emitted while a pipeline runs
type NodeUpdate struct {
	Type     string `json:"type"` // node_update
	RunID    string `json:"runId"`
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Status   string `json:"status"` // running, completed, failed
	Error    string `json:"error,omitempty"`
}
