package execution

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"devscreen/internal/models"
)

func node(id string, t models.NodeType) models.WorkflowNode {
	return models.WorkflowNode{ID: id, Type: t}
}

func edge(from, to string) models.Connection {
	return models.Connection{From: from, To: to}
}

func hasIssue(result models.ValidationResult, issueType, substr string) bool {
	for _, issue := range result.Issues {
		if issue.Type == issueType && strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}

// assertTopological checks that order contains every node once and respects every edge
func assertTopological(t *testing.T, nodes []models.WorkflowNode, conns []models.Connection, order []string) {
	t.Helper()
	if len(order) != len(nodes) {
		t.Fatalf("Expected %d nodes in order, got %d: %v", len(nodes), len(order), order)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		if _, dup := pos[id]; dup {
			t.Fatalf("Node %s appears twice in %v", id, order)
		}
		pos[id] = i
	}
	for _, c := range conns {
		if pos[c.From] >= pos[c.To] {
			t.Errorf("Edge %s->%s violated by order %v", c.From, c.To, order)
		}
	}
}

func TestValidate_DefaultGraph(t *testing.T) {
	g := DefaultScreeningGraph()
	result := ValidateGraph(g)

	if !result.IsValid {
		t.Fatalf("Expected default graph to be valid, issues: %+v", result.Issues)
	}
	assertTopological(t, g.Nodes, g.Connections, result.ExecutionOrder)
	if result.ExecutionOrder[0] != "intake" || result.ExecutionOrder[len(result.ExecutionOrder)-1] != "draft" {
		t.Errorf("Unexpected order: %v", result.ExecutionOrder)
	}
}

func TestValidate_Cycle(t *testing.T) {
	tests := []struct {
		name  string
		nodes []models.WorkflowNode
		conns []models.Connection
	}{
		{
			name:  "two node cycle",
			nodes: []models.WorkflowNode{node("in", models.NodeTextInput), node("a", models.NodeScoring), node("b", models.NodeSummarizer), node("out", models.NodeDraftOutput)},
			conns: []models.Connection{edge("in", "a"), edge("a", "b"), edge("b", "a"), edge("b", "out")},
		},
		{
			name:  "self loop",
			nodes: []models.WorkflowNode{node("in", models.NodeTextInput), node("out", models.NodeDraftOutput)},
			conns: []models.Connection{edge("in", "out"), edge("out", "out")},
		},
		{
			name:  "cycle through every node",
			nodes: []models.WorkflowNode{node("in", models.NodeTextInput), node("s", models.NodeScoring), node("out", models.NodeReviewGate)},
			conns: []models.Connection{edge("in", "s"), edge("s", "out"), edge("out", "in")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.nodes, tt.conns)
			if result.IsValid {
				t.Fatal("Expected cyclic graph to be invalid")
			}
			if !hasIssue(result, "cycle", "circular dependencies") {
				t.Errorf("Expected a circular dependencies issue, got %+v", result.Issues)
			}
			if len(result.ExecutionOrder) != 0 {
				t.Errorf("Expected no execution order for a cyclic graph, got %v", result.ExecutionOrder)
			}
		})
	}
}

func TestValidate_RandomDAGsAreTopological(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(12)
		nodes := make([]models.WorkflowNode, n)
		nodes[0] = node("n0", models.NodeTextInput)
		for i := 1; i < n-1; i++ {
			nodes[i] = node(fmt.Sprintf("n%d", i), models.NodeRuleCheck)
		}
		nodes[n-1] = node(fmt.Sprintf("n%d", n-1), models.NodeDraftOutput)

		// edges only go from lower to higher index, so the graph is acyclic
		var conns []models.Connection
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(3) == 0 {
					conns = append(conns, edge(nodes[i].ID, nodes[j].ID))
				}
			}
		}
		// declare nodes in shuffled order
		rng.Shuffle(n, func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		result := Validate(nodes, conns)
		if !result.IsValid {
			t.Fatalf("trial %d: expected valid DAG, issues %+v", trial, result.Issues)
		}
		assertTopological(t, nodes, conns, result.ExecutionOrder)
	}
}

func TestValidate_MissingInput(t *testing.T) {
	nodes := []models.WorkflowNode{node("s", models.NodeScoring), node("out", models.NodeDraftOutput)}
	result := Validate(nodes, []models.Connection{edge("s", "out")})

	if result.IsValid {
		t.Fatal("Expected graph without input to be invalid")
	}
	if !hasIssue(result, "missing_input", "no input node") {
		t.Errorf("Expected missing_input issue, got %+v", result.Issues)
	}
	if hasIssue(result, "missing_output", "") {
		t.Errorf("Did not expect missing_output, got %+v", result.Issues)
	}
	// acyclic, so the order is still reported
	assertTopological(t, nodes, []models.Connection{edge("s", "out")}, result.ExecutionOrder)
}

func TestValidate_MissingOutput(t *testing.T) {
	nodes := []models.WorkflowNode{node("in", models.NodeSpeechCapture), node("s", models.NodeScoring)}
	result := Validate(nodes, []models.Connection{edge("in", "s")})

	if result.IsValid {
		t.Fatal("Expected graph without output to be invalid")
	}
	if !hasIssue(result, "missing_output", "no output node") {
		t.Errorf("Expected missing_output issue, got %+v", result.Issues)
	}
	if hasIssue(result, "missing_input", "") {
		t.Errorf("Did not expect missing_input, got %+v", result.Issues)
	}
}

func TestValidate_SchemaProblems(t *testing.T) {
	nodes := []models.WorkflowNode{
		node("in", models.NodeTextInput),
		node("in", models.NodeTextInput),
		node("x", models.NodeType("telepathy")),
		node("out", models.NodeDraftOutput),
	}
	conns := []models.Connection{edge("in", "out"), edge("ghost", "out")}

	result := Validate(nodes, conns)
	if result.IsValid {
		t.Fatal("Expected invalid graph")
	}
	if !hasIssue(result, "schema", "Duplicate node id: in") {
		t.Errorf("Expected duplicate id issue, got %+v", result.Issues)
	}
	if !hasIssue(result, "schema", "Invalid node type: telepathy") {
		t.Errorf("Expected invalid type issue, got %+v", result.Issues)
	}
	if !hasIssue(result, "dangling", "ghost") {
		t.Errorf("Expected dangling connection issue, got %+v", result.Issues)
	}
}

func TestValidate_Empty(t *testing.T) {
	result := Validate(nil, nil)
	if result.IsValid || !hasIssue(result, "schema", "at least one node") {
		t.Errorf("Expected empty graph to be rejected, got %+v", result)
	}
}

func TestNewNode_Defaults(t *testing.T) {
	n, err := NewNode("mic", models.NodeSpeechCapture, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if n.Config["sample_rate"] != 16000 {
		t.Errorf("Expected sample_rate 16000, got %v", n.Config["sample_rate"])
	}

	n, err = NewNode("score", models.NodeScoring, map[string]any{"temperature": 0.7})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if n.Config["temperature"] != 0.7 {
		t.Errorf("Expected override temperature 0.7, got %v", n.Config["temperature"])
	}
	if n.Config["max_tokens"] != 512 {
		t.Errorf("Expected default max_tokens kept, got %v", n.Config["max_tokens"])
	}

	// defaults table must not be mutated by overrides
	if DefaultConfig(models.NodeScoring)["temperature"] != 0.2 {
		t.Error("Default config was mutated")
	}

	if _, err := NewNode("x", models.NodeType("telepathy"), nil); err == nil {
		t.Error("Expected unknown node type to fail")
	}
}

func TestParseGraph(t *testing.T) {
	data := []byte(`
name: speech-first
nodes:
  - id: mic
    type: speech_capture
    config:
      sample_rate: 8000
  - id: score
    type: scoring
  - id: gate
    type: review_gate
connections:
  - from: mic
    to: score
  - from: score
    to: gate
`)
	g, err := ParseGraph(data)
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if g.Name != "speech-first" || len(g.Nodes) != 3 || len(g.Connections) != 2 {
		t.Fatalf("Unexpected graph: %+v", g)
	}
	if got := Number(ResolveConfig(g.Nodes[0]), "sample_rate", 0); got != 8000 {
		t.Errorf("Expected sample_rate override 8000, got %v", got)
	}
	if got := Number(ResolveConfig(g.Nodes[1]), "temperature", 0); got != 0.2 {
		t.Errorf("Expected default temperature 0.2, got %v", got)
	}
	if !ValidateGraph(g).IsValid {
		t.Errorf("Expected parsed graph to be valid: %+v", ValidateGraph(g).Issues)
	}

	_, err = ParseGraph([]byte("nodes:\n  - id: a\n    type: oracle\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown node type") {
		t.Errorf("Expected unknown node type error, got %v", err)
	}
}
