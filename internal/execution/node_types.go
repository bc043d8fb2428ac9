package execution

import (
	"fmt"
	"sort"

	"devscreen/internal/models"
)

// Role is the structural role of a node type in a pipeline
type Role int

const (
	RoleProcess Role = iota
	RoleInput
	RoleOutput
)

type nodeSpec struct {
	role     Role
	defaults map[string]any
}

// nodeSpecs is the closed set of node types with their default configuration
var nodeSpecs = map[models.NodeType]nodeSpec{
	models.NodeSpeechCapture: {role: RoleInput, defaults: map[string]any{"sample_rate": 16000, "channels": 1}},
	models.NodeTextInput:     {role: RoleInput, defaults: map[string]any{"max_chars": 4000}},
	models.NodeImageInput:    {role: RoleInput, defaults: map[string]any{"max_bytes": 5 << 20}},
	models.NodeScoring:       {role: RoleProcess, defaults: map[string]any{"temperature": 0.2, "max_tokens": 512}},
	models.NodeRuleCheck:     {role: RoleProcess, defaults: map[string]any{}},
	models.NodeSummarizer:    {role: RoleProcess, defaults: map[string]any{"max_points": 5}},
	models.NodeReviewGate:    {role: RoleOutput, defaults: map[string]any{"confidence_floor": 0.85}},
	models.NodeDraftOutput:   {role: RoleOutput, defaults: map[string]any{"format": "json"}},
}

// ParseNodeType converts a string to a known node type
func ParseNodeType(s string) (models.NodeType, error) {
	t := models.NodeType(s)
	if _, ok := nodeSpecs[t]; !ok {
		return "", fmt.Errorf("unknown node type %q", s)
	}
	return t, nil
}

// NodeTypes lists every known node type in name order
func NodeTypes() []models.NodeType {
	types := make([]models.NodeType, 0, len(nodeSpecs))
	for t := range nodeSpecs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewNode builds a node with the type's defaults merged with overrides.
// Unknown types are rejected.
func NewNode(id string, nodeType models.NodeType, overrides map[string]any) (models.WorkflowNode, error) {
	if id == "" {
		return models.WorkflowNode{}, fmt.Errorf("node id is required")
	}
	if _, ok := nodeSpecs[nodeType]; !ok {
		return models.WorkflowNode{}, fmt.Errorf("node %s: unknown node type %q", id, nodeType)
	}
	return models.WorkflowNode{
		ID:     id,
		Type:   nodeType,
		Config: mergeConfig(DefaultConfig(nodeType), overrides),
	}, nil
}

// DefaultConfig returns a copy of the default configuration for a node type
func DefaultConfig(nodeType models.NodeType) map[string]any {
	spec, ok := nodeSpecs[nodeType]
	if !ok {
		return nil
	}
	return mergeConfig(nil, spec.defaults)
}

// ResolveConfig returns the effective configuration of a node: defaults for its
// type overridden by whatever the node carries.
func ResolveConfig(node models.WorkflowNode) map[string]any {
	return mergeConfig(DefaultConfig(node.Type), node.Config)
}

// RoleOf returns the role of a node type
func RoleOf(nodeType models.NodeType) Role {
	return nodeSpecs[nodeType].role
}

// IsInput reports whether nodes of this type feed data into a pipeline
func IsInput(nodeType models.NodeType) bool {
	spec, ok := nodeSpecs[nodeType]
	return ok && spec.role == RoleInput
}

// IsOutput reports whether nodes of this type produce a pipeline result
func IsOutput(nodeType models.NodeType) bool {
	spec, ok := nodeSpecs[nodeType]
	return ok && spec.role == RoleOutput
}

func mergeConfig(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Number reads a numeric config value, accepting the integer and float forms
// that JSON and YAML decoding produce.
func Number(config map[string]any, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return fallback
	}
}
