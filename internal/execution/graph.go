package execution

import (
	"fmt"

	"devscreen/internal/models"
)

const cycleMessage = "Workflow contains circular dependencies"

// Validate checks a node/edge description of a pipeline and computes its
// execution order. It never panics; every problem becomes an issue.
func Validate(nodes []models.WorkflowNode, connections []models.Connection) models.ValidationResult {
	var issues []models.ValidationError

	if len(nodes) == 0 {
		return models.ValidationResult{
			IsValid: false,
			Issues: []models.ValidationError{{
				Type:    "schema",
				Message: "Workflow must have at least one node",
			}},
			ExecutionOrder: []string{},
		}
	}

	// index preserves declaration order so the result is deterministic
	index := make(map[string]int, len(nodes))
	var ids []string
	hasInput, hasOutput := false, false

	for _, node := range nodes {
		if node.ID == "" {
			issues = append(issues, models.ValidationError{
				Type:    "schema",
				Message: "Node is missing an id",
			})
			continue
		}
		if _, dup := index[node.ID]; dup {
			issues = append(issues, models.ValidationError{
				Type:    "schema",
				Message: fmt.Sprintf("Duplicate node id: %s", node.ID),
				NodeID:  node.ID,
			})
			continue
		}
		if _, ok := nodeSpecs[node.Type]; !ok {
			issues = append(issues, models.ValidationError{
				Type:    "schema",
				Message: fmt.Sprintf("Invalid node type: %s", node.Type),
				NodeID:  node.ID,
			})
		}
		index[node.ID] = len(ids)
		ids = append(ids, node.ID)

		hasInput = hasInput || IsInput(node.Type)
		hasOutput = hasOutput || IsOutput(node.Type)
	}

	// adjacency map; edges to or from unknown nodes are reported and skipped
	adjacency := make(map[string][]string, len(ids))
	for _, conn := range connections {
		_, fromOK := index[conn.From]
		_, toOK := index[conn.To]
		if !fromOK {
			issues = append(issues, models.ValidationError{
				Type:    "dangling",
				Message: fmt.Sprintf("Connection references non-existent source node: %s", conn.From),
				NodeID:  conn.From,
			})
		}
		if !toOK {
			issues = append(issues, models.ValidationError{
				Type:    "dangling",
				Message: fmt.Sprintf("Connection references non-existent target node: %s", conn.To),
				NodeID:  conn.To,
			})
		}
		if fromOK && toOK {
			adjacency[conn.From] = append(adjacency[conn.From], conn.To)
		}
	}

	cyclic := false
	if node, found := findCycle(ids, adjacency); found {
		cyclic = true
		issues = append(issues, models.ValidationError{
			Type:    "cycle",
			Message: cycleMessage,
			NodeID:  node,
		})
	}

	order := topologicalOrder(ids, adjacency)
	if len(order) < len(ids) {
		if !cyclic {
			issues = append(issues, models.ValidationError{
				Type:    "cycle",
				Message: cycleMessage,
			})
		}
		order = []string{}
	}

	if !hasInput {
		issues = append(issues, models.ValidationError{
			Type:    "missing_input",
			Message: "Workflow has no input node (speech_capture, text_input or image_input)",
		})
	}
	if !hasOutput {
		issues = append(issues, models.ValidationError{
			Type:    "missing_output",
			Message: "Workflow has no output node (review_gate or draft_output)",
		})
	}

	if issues == nil {
		issues = []models.ValidationError{}
	}
	return models.ValidationResult{
		IsValid:        len(issues) == 0,
		Issues:         issues,
		ExecutionOrder: order,
	}
}

// ValidateGraph validates a parsed graph
func ValidateGraph(graph *models.WorkflowGraph) models.ValidationResult {
	return Validate(graph.Nodes, graph.Connections)
}

// findCycle runs a depth-first search with an explicit stack. A node that is
// reached again while still on the current path closes a cycle; that node is
// returned.
func findCycle(ids []string, adjacency map[string][]string) (string, bool) {
	const (
		unvisited = iota
		onPath
		done
	)

	type frame struct {
		node string
		next int
	}

	state := make(map[string]int, len(ids))
	for _, root := range ids {
		if state[root] != unvisited {
			continue
		}

		stack := []frame{{node: root}}
		state[root] = onPath

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := adjacency[top.node]

			if top.next >= len(children) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}

			child := children[top.next]
			top.next++

			switch state[child] {
			case onPath:
				return child, true
			case unvisited:
				state[child] = onPath
				stack = append(stack, frame{node: child})
			}
		}
	}
	return "", false
}

// topologicalOrder is Kahn's algorithm. Ties are broken by declaration order.
// Nodes on a cycle never reach in-degree zero and are left out.
func topologicalOrder(ids []string, adjacency map[string][]string) []string {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, to := range adjacency[id] {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, to := range adjacency[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return order
}
