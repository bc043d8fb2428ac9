package pipeline

import (
	"context"
	"fmt"
	"log"

	"devscreen/internal/execution"
	"devscreen/internal/models"
)

// runState carries one submission through the nodes of a run
type runState struct {
	p   *Pipeline
	sub models.Submission

	screening *models.ScreeningResult
	estimate  *models.Estimate
	summary   []string
	review    *reviewDecision
	queued    bool

	outputs map[string]any // by node ID
}

type reviewDecision struct {
	NeedsReview bool     `json:"needsReview"`
	Reasons     []string `json:"reasons,omitempty"`
}

// runNode records each output so later nodes can read what their ancestors
// produced, not only their direct inputs
func (r *runState) runNode(ctx context.Context, node models.WorkflowNode, inputs map[string]any) (any, error) {
	out, err := r.dispatch(ctx, node)
	if err == nil {
		r.outputs[node.ID] = out
	}
	return out, err
}

func (r *runState) dispatch(ctx context.Context, node models.WorkflowNode) (any, error) {
	switch node.Type {
	case models.NodeTextInput:
		return r.textInput(node)
	case models.NodeSpeechCapture:
		return r.speechCapture(node), nil
	case models.NodeImageInput:
		return r.imageInput(node)
	case models.NodeScoring:
		return r.score(ctx), nil
	case models.NodeRuleCheck:
		return r.ruleCheck(), nil
	case models.NodeSummarizer:
		return r.summarize(node), nil
	case models.NodeReviewGate:
		return r.reviewGate(node), nil
	case models.NodeDraftOutput:
		return r.buildDraft(), nil
	default:
		return nil, fmt.Errorf("no runner for node type %q", node.Type)
	}
}

// upstream returns the scoring and rule results produced by ancestors of
// nodeID, in graph declaration order
func (r *runState) upstream(nodeID string) (*models.ScreeningResult, *models.Estimate) {
	var (
		screening *models.ScreeningResult
		estimate  *models.Estimate
	)
	ancestors := r.p.ancestors[nodeID]
	for _, node := range r.p.graph.Nodes {
		if !ancestors[node.ID] {
			continue
		}
		switch v := r.outputs[node.ID].(type) {
		case *models.ScreeningResult:
			screening = v
		case models.Estimate:
			est := v
			estimate = &est
		}
	}
	return screening, estimate
}

func (r *runState) textInput(node models.WorkflowNode) (any, error) {
	limit := int(execution.Number(node.Config, "max_chars", 4000))
	if limit > 0 && len([]rune(r.sub.ObservationText)) > limit {
		return nil, fmt.Errorf("observation is longer than %d characters", limit)
	}
	return map[string]any{"text": r.sub.ObservationText}, nil
}

// speechCapture receives the on-device transcript; audio never leaves the device
func (r *runState) speechCapture(node models.WorkflowNode) any {
	return map[string]any{
		"transcript":  r.sub.ObservationText,
		"sample_rate": execution.Number(node.Config, "sample_rate", 16000),
		"channels":    execution.Number(node.Config, "channels", 1),
	}
}

func (r *runState) imageInput(node models.WorkflowNode) (any, error) {
	if r.sub.ImageRef == "" {
		return map[string]any{"imageRef": nil}, nil
	}
	return map[string]any{
		"imageRef":  r.sub.ImageRef,
		"max_bytes": execution.Number(node.Config, "max_bytes", 5<<20),
	}, nil
}

// score serves a cached result when there is one, otherwise asks the resilient
// caller. Offline estimates are cached and the submission is queued for replay.
func (r *runState) score(ctx context.Context) *models.ScreeningResult {
	p := r.p
	key := r.sub.Fingerprint()

	if cached, ok := p.cache.Get(key); ok {
		r.screening = &models.ScreeningResult{SubmissionID: r.sub.ID, Result: cached, FromCache: true}
		return r.screening
	}

	res := p.caller.Call(ctx, r.sub)
	res.Result = p.cache.Put(res.Result)

	if res.Offline() && p.queue != nil {
		if err := p.queue.Enqueue(r.sub); err != nil {
			log.Printf("⚠️  [PIPELINE] Failed to queue submission %s for replay: %v", r.sub.ID, err)
		} else {
			r.queued = true
		}
	}

	r.screening = &res
	return r.screening
}

func (r *runState) ruleCheck() models.Estimate {
	est := r.p.rules.Estimate(r.sub.AgeMonths, r.sub.Domain, r.sub.ObservationText)
	r.estimate = &est
	return est
}

func (r *runState) summarize(node models.WorkflowNode) []string {
	maxPoints := int(execution.Number(node.Config, "max_points", 5))
	screening, estimate := r.upstream(node.ID)

	var points []string
	if screening != nil {
		points = append(points, screening.Result.Summary...)
	}
	if estimate != nil {
		switch {
		case screening == nil:
			points = append(points, estimate.Rationale)
		case screening.Result.Mode != models.ModeOffline && estimate.Risk != screening.Result.Risk:
			points = append(points, fmt.Sprintf("Rule check suggests %s risk: %s", estimate.Risk, estimate.Rationale))
		}
	}

	if maxPoints > 0 && len(points) > maxPoints {
		points = points[:maxPoints]
	}
	r.summary = points
	return points
}

func (r *runState) reviewGate(node models.WorkflowNode) reviewDecision {
	floor := execution.Number(node.Config, "confidence_floor", 0.85)
	r.review = decideReview(r.resultFrom(r.upstream(node.ID)), floor)
	return *r.review
}

func decideReview(result models.CachedResult, floor float64) *reviewDecision {
	var reasons []string
	if result.Risk != models.RiskLow {
		reasons = append(reasons, fmt.Sprintf("risk is %s", result.Risk))
	}
	if result.Confidence < floor {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below %.2f", result.Confidence, floor))
	}
	if result.Mode == models.ModeOffline {
		reasons = append(reasons, "offline estimate not yet confirmed")
	}
	return &reviewDecision{NeedsReview: len(reasons) > 0, Reasons: reasons}
}

// result is the best available screening result for the submission
func (r *runState) result() models.CachedResult {
	return r.resultFrom(r.screening, r.estimate)
}

func (r *runState) resultFrom(screening *models.ScreeningResult, estimate *models.Estimate) models.CachedResult {
	if screening != nil {
		return screening.Result
	}
	if estimate != nil {
		return models.CachedResult{
			Key:             r.sub.Fingerprint(),
			Risk:            estimate.Risk,
			Confidence:      estimate.Confidence,
			Summary:         []string{estimate.Rationale},
			Recommendations: estimate.Recommendations,
			Mode:            models.ModeOffline,
			Timestamp:       r.p.now(),
		}
	}
	return models.CachedResult{Key: r.sub.Fingerprint(), Risk: models.RiskUnknown, Mode: models.ModeOffline, Timestamp: r.p.now()}
}

func (r *runState) buildDraft() *Draft {
	result := r.result()
	draft := &Draft{
		SubmissionID:    r.sub.ID,
		ClinicID:        r.sub.ClinicID,
		Result:          result,
		Summary:         r.summary,
		Recommendations: result.Recommendations,
		Queued:          r.queued,
	}
	if draft.Summary == nil {
		draft.Summary = result.Summary
	}
	if r.screening != nil {
		draft.FromCache = r.screening.FromCache
		draft.Rationale = r.screening.Rationale
	}
	if draft.Rationale == "" && r.estimate != nil {
		draft.Rationale = r.estimate.Rationale
	}
	if r.review == nil {
		// graphs without a review gate still get the default policy
		r.review = decideReview(result, execution.Number(execution.DefaultConfig(models.NodeReviewGate), "confidence_floor", 0.85))
	}
	draft.NeedsReview = r.review.NeedsReview
	draft.ReviewReasons = r.review.Reasons
	return draft
}
