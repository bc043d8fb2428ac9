package execution

import (
	"fmt"
	"os"

	"devscreen/internal/models"

	"gopkg.in/yaml.v3"
)

type graphFile struct {
	Name  string `yaml:"name"`
	Nodes []struct {
		ID     string         `yaml:"id"`
		Type   string         `yaml:"type"`
		Config map[string]any `yaml:"config"`
	} `yaml:"nodes"`
	Connections []models.Connection `yaml:"connections"`
}

// ParseGraph decodes a YAML pipeline definition. Unknown node types are
// rejected here; structural problems are left to Validate.
func ParseGraph(data []byte) (*models.WorkflowGraph, error) {
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	graph := &models.WorkflowGraph{
		Name:        file.Name,
		Nodes:       make([]models.WorkflowNode, 0, len(file.Nodes)),
		Connections: file.Connections,
	}
	for _, n := range file.Nodes {
		nodeType, err := ParseNodeType(n.Type)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		// keep only explicit config; defaults are resolved at run time
		graph.Nodes = append(graph.Nodes, models.WorkflowNode{ID: n.ID, Type: nodeType, Config: n.Config})
	}
	return graph, nil
}

// LoadGraph reads a YAML pipeline definition from disk
func LoadGraph(path string) (*models.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParseGraph(data)
}

// MarshalGraph encodes a graph as YAML
func MarshalGraph(graph *models.WorkflowGraph) ([]byte, error) {
	return yaml.Marshal(graph)
}

// DefaultScreeningGraph is the pipeline used when no definition file is configured:
// text intake feeds remote scoring and the rule cross-check, both feed the
// summarizer, which feeds the review gate and the draft.
func DefaultScreeningGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		Name: "developmental-screening",
		Nodes: []models.WorkflowNode{
			{ID: "intake", Type: models.NodeTextInput},
			{ID: "score", Type: models.NodeScoring},
			{ID: "rules", Type: models.NodeRuleCheck},
			{ID: "summary", Type: models.NodeSummarizer},
			{ID: "review", Type: models.NodeReviewGate},
			{ID: "draft", Type: models.NodeDraftOutput},
		},
		Connections: []models.Connection{
			{From: "intake", To: "score"},
			{From: "intake", To: "rules"},
			{From: "score", To: "summary"},
			{From: "rules", To: "summary"},
			{From: "summary", To: "review"},
			{From: "review", To: "draft"},
		},
	}
}
