package execution

import (
	"context"
	"errors"
	"testing"

	"devscreen/internal/models"
)

func TestExecute_SequentialOrderAndInputs(t *testing.T) {
	g := DefaultScreeningGraph()

	var ran []string
	seenInputs := map[string]map[string]any{}
	run := func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		ran = append(ran, n.ID)
		seenInputs[n.ID] = inputs
		return "out:" + n.ID, nil
	}

	result, err := NewEngine().Execute(context.Background(), g, run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	assertTopological(t, g.Nodes, g.Connections, ran)
	if len(result.Outputs) != len(g.Nodes) {
		t.Errorf("Expected %d outputs, got %d", len(g.Nodes), len(result.Outputs))
	}

	summaryInputs := seenInputs["summary"]
	if summaryInputs["score"] != "out:score" || summaryInputs["rules"] != "out:rules" {
		t.Errorf("Expected predecessor outputs fed forward, got %v", summaryInputs)
	}
	if len(seenInputs["intake"]) != 0 {
		t.Errorf("Expected no inputs for the source node, got %v", seenInputs["intake"])
	}
}

func TestExecute_ResolvesDefaultConfig(t *testing.T) {
	g := DefaultScreeningGraph()
	g.Nodes[1].Config = map[string]any{"temperature": 0.5}

	configs := map[string]map[string]any{}
	run := func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		configs[n.ID] = n.Config
		return nil, nil
	}

	if _, err := NewEngine().Execute(context.Background(), g, run); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if configs["score"]["temperature"] != 0.5 || configs["score"]["max_tokens"] != 512 {
		t.Errorf("Expected overridden temperature and default max_tokens, got %v", configs["score"])
	}
	if configs["review"]["confidence_floor"] != 0.85 {
		t.Errorf("Expected default confidence floor, got %v", configs["review"])
	}
}

func TestExecute_RefusesInvalidGraph(t *testing.T) {
	g := &models.WorkflowGraph{
		Nodes:       []models.WorkflowNode{node("a", models.NodeScoring), node("b", models.NodeSummarizer)},
		Connections: []models.Connection{edge("a", "b"), edge("b", "a")},
	}

	called := false
	_, err := NewEngine().Execute(context.Background(), g, func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		called = true
		return nil, nil
	})

	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("Expected ErrInvalidGraph, got %v", err)
	}
	var invalid *InvalidGraphError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *InvalidGraphError, got %T", err)
	}
	// one aggregated error carrying every issue: cycle, missing input, missing output
	if len(invalid.Issues) != 3 {
		t.Errorf("Expected 3 aggregated issues, got %+v", invalid.Issues)
	}
	if called {
		t.Error("No node may run for an invalid graph")
	}
}

func TestExecute_HaltsOnNodeError(t *testing.T) {
	g := DefaultScreeningGraph()
	boom := errors.New("scoring exploded")

	var ran []string
	result, err := NewEngine().Execute(context.Background(), g, func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		ran = append(ran, n.ID)
		if n.ID == "score" {
			return nil, boom
		}
		return n.ID, nil
	})

	if !errors.Is(err, boom) {
		t.Fatalf("Expected node error to be wrapped, got %v", err)
	}
	if result == nil || result.Failed != "score" {
		t.Fatalf("Expected failed node recorded, got %+v", result)
	}
	if ran[len(ran)-1] != "score" {
		t.Errorf("Expected no node after the failure, ran %v", ran)
	}
}

func TestExecute_RecoversPanics(t *testing.T) {
	g := DefaultScreeningGraph()
	_, err := NewEngine().Execute(context.Background(), g, func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		if n.Type == models.NodeSummarizer {
			panic("nil map")
		}
		return nil, nil
	})
	if err == nil {
		t.Fatal("Expected panic to surface as an error")
	}
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Execute(ctx, DefaultScreeningGraph(), func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		t.Fatal("runner must not be called on a cancelled context")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestExecute_Updates(t *testing.T) {
	updates := make(chan models.NodeUpdate, 64)
	engine := NewEngine()
	engine.SetUpdates(updates)

	if _, err := engine.Execute(context.Background(), DefaultScreeningGraph(), func(ctx context.Context, n models.WorkflowNode, inputs map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	close(updates)

	completed := 0
	for u := range updates {
		if u.Status == "completed" {
			completed++
		}
	}
	if completed != len(DefaultScreeningGraph().Nodes) {
		t.Errorf("Expected %d completed updates, got %d", len(DefaultScreeningGraph().Nodes), completed)
	}
}
