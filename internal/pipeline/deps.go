package pipeline

import (
	"fmt"

	"devscreen/internal/execution"
	"devscreen/internal/models"
)

// producers lists, per node type, the node types at least one of which must
// run upstream of it. Nodes read only what their ancestors produced, so a
// missing edge would otherwise leave them with nothing to work on.
var producers = map[models.NodeType][]models.NodeType{
	models.NodeScoring:     {models.NodeTextInput, models.NodeSpeechCapture, models.NodeImageInput},
	models.NodeRuleCheck:   {models.NodeTextInput, models.NodeSpeechCapture},
	models.NodeSummarizer:  {models.NodeScoring, models.NodeRuleCheck},
	models.NodeReviewGate:  {models.NodeScoring, models.NodeRuleCheck},
	models.NodeDraftOutput: {models.NodeScoring, models.NodeRuleCheck},
}

// ancestorsOf maps every node to the set of nodes with a path to it
func ancestorsOf(graph *models.WorkflowGraph) map[string]map[string]bool {
	predecessors := make(map[string][]string, len(graph.Nodes))
	for _, conn := range graph.Connections {
		predecessors[conn.To] = append(predecessors[conn.To], conn.From)
	}

	ancestors := make(map[string]map[string]bool, len(graph.Nodes))
	for _, node := range graph.Nodes {
		seen := make(map[string]bool)
		stack := append([]string(nil), predecessors[node.ID]...)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			stack = append(stack, predecessors[id]...)
		}
		ancestors[node.ID] = seen
	}
	return ancestors
}

// CheckDependencies reports nodes whose inputs are not wired by an edge,
// e.g. a summarizer with no scoring or rule check upstream. The graph must
// already be acyclic.
func CheckDependencies(graph *models.WorkflowGraph) []models.ValidationError {
	ancestors := ancestorsOf(graph)
	types := make(map[string]models.NodeType, len(graph.Nodes))
	for _, node := range graph.Nodes {
		types[node.ID] = node.Type
	}

	var issues []models.ValidationError
	for _, node := range graph.Nodes {
		want, ok := producers[node.Type]
		if !ok || hasAncestorOfType(ancestors[node.ID], types, want) {
			continue
		}
		issues = append(issues, models.ValidationError{
			Type:    "missing_dependency",
			Message: fmt.Sprintf("%s node needs one of %v upstream", node.Type, want),
			NodeID:  node.ID,
		})
	}
	return issues
}

func hasAncestorOfType(ancestors map[string]bool, types map[string]models.NodeType, want []models.NodeType) bool {
	for id := range ancestors {
		for _, t := range want {
			if types[id] == t {
				return true
			}
		}
	}
	return false
}

// validateForScreening runs the structural checks and then the dependency checks
func validateForScreening(graph *models.WorkflowGraph) error {
	if result := execution.ValidateGraph(graph); !result.IsValid {
		return &execution.InvalidGraphError{Issues: result.Issues}
	}
	if issues := CheckDependencies(graph); len(issues) > 0 {
		return &execution.InvalidGraphError{Issues: issues}
	}
	return nil
}
