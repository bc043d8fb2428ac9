// Package execution validates and runs agent pipelines described as a DAG of
// typed nodes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"devscreen/internal/logging"
	"devscreen/internal/models"

	"github.com/google/uuid"
)

// ErrInvalidGraph is wrapped by every error Execute returns for a graph that
// failed validation
var ErrInvalidGraph = errors.New("invalid workflow graph")

// InvalidGraphError aggregates every validation issue of a rejected graph
type InvalidGraphError struct {
	Issues []models.ValidationError
}

func (e *InvalidGraphError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.NodeID != "" {
			parts = append(parts, fmt.Sprintf("%s (%s): %s", issue.Type, issue.NodeID, issue.Message))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Type, issue.Message))
		}
	}
	return fmt.Sprintf("%s: %s", ErrInvalidGraph.Error(), strings.Join(parts, "; "))
}

func (e *InvalidGraphError) Unwrap() error {
	return ErrInvalidGraph
}

// NodeRunner executes one node. inputs holds the outputs of the node's direct
// predecessors keyed by node ID. The node carries its resolved configuration.
type NodeRunner func(ctx context.Context, node models.WorkflowNode, inputs map[string]any) (any, error)

// ExecutionResult is the outcome of a run
type ExecutionResult struct {
	RunID    string         `json:"runId"`
	Order    []string       `json:"order"`
	Outputs  map[string]any `json:"outputs"`
	Failed   string         `json:"failed,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Engine runs validated graphs strictly sequentially in topological order
type Engine struct {
	updates chan<- models.NodeUpdate
}

// NewEngine creates an engine
func NewEngine() *Engine {
	return &Engine{}
}

// SetUpdates attaches a channel that receives progress events. Sends never
// block; updates are dropped when the buffer is full.
func (e *Engine) SetUpdates(ch chan<- models.NodeUpdate) {
	e.updates = ch
}

// Execute validates graph and, if valid, runs every node in execution order.
// It stops at the first node error and returns the partial result with it.
func (e *Engine) Execute(ctx context.Context, graph *models.WorkflowGraph, run NodeRunner) (*ExecutionResult, error) {
	validation := ValidateGraph(graph)
	if !validation.IsValid {
		return nil, &InvalidGraphError{Issues: validation.Issues}
	}

	result := &ExecutionResult{
		RunID:   uuid.New().String(),
		Order:   validation.ExecutionOrder,
		Outputs: make(map[string]any, len(graph.Nodes)),
	}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	nodes := make(map[string]models.WorkflowNode, len(graph.Nodes))
	for _, node := range graph.Nodes {
		nodes[node.ID] = node
	}
	predecessors := make(map[string][]string, len(graph.Nodes))
	for _, conn := range graph.Connections {
		predecessors[conn.To] = append(predecessors[conn.To], conn.From)
	}

	log.Printf("🚀 [ENGINE] Running %q with %d nodes: %v", graph.Name, len(result.Order), result.Order)

	for _, id := range result.Order {
		if err := ctx.Err(); err != nil {
			result.Failed = id
			return result, fmt.Errorf("run cancelled before node %s: %w", id, err)
		}

		node := nodes[id]
		node.Config = ResolveConfig(node)

		inputs := make(map[string]any, len(predecessors[id]))
		for _, from := range predecessors[id] {
			inputs[from] = result.Outputs[from]
		}

		e.send(result.RunID, node, "running", "")
		output, err := runNode(ctx, run, node, inputs)
		if err != nil {
			logging.WithNode(slog.Default(), node.ID, string(node.Type)).Error("node failed", "error", err)
			e.send(result.RunID, node, "failed", err.Error())
			result.Failed = id
			return result, fmt.Errorf("node %s (%s) failed: %w", node.ID, node.Type, err)
		}

		result.Outputs[id] = output
		e.send(result.RunID, node, "completed", "")
	}

	log.Printf("✅ [ENGINE] Run %s completed in %s", result.RunID, time.Since(start).Round(time.Millisecond))
	return result, nil
}

// runNode turns a panic in a runner into an error for that node
func runNode(ctx context.Context, run NodeRunner, node models.WorkflowNode, inputs map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🔥 [ENGINE] PANIC in node '%s' (%s): %v\n%s", node.ID, node.Type, r, debug.Stack())
			output = nil
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()
	return run(ctx, node, inputs)
}

func (e *Engine) send(runID string, node models.WorkflowNode, status, errMsg string) {
	if e.updates == nil {
		return
	}
	update := models.NodeUpdate{
		Type:     "node_update",
		RunID:    runID,
		NodeID:   node.ID,
		NodeType: string(node.Type),
		Status:   status,
		Error:    errMsg,
	}
	select {
	case e.updates <- update:
	default:
		log.Printf("⚠️ [ENGINE] Update channel full, dropping update for node '%s' (status: %s)", node.ID, status)
	}
}
