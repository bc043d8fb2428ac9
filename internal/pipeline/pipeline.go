// Package pipeline runs a field submission through the screening workflow:
// cached or remote scoring with offline fallback, a rule cross-check, a
// summary, and the review gate that decides whether clinicians must see it.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"devscreen/internal/execution"
	"devscreen/internal/logging"
	"devscreen/internal/models"
	"devscreen/internal/offline"
	"devscreen/internal/resilience"
	"devscreen/internal/rules"

	"github.com/google/uuid"
)

// ReviewAdmitter puts a case into a clinic's shared review queue
type ReviewAdmitter interface {
	AdmitCase(ctx context.Context, req models.AdmitCaseRequest) error
}

// Draft is the merged output of a pipeline run
type Draft struct {
	SubmissionID    string              `json:"submissionId"`
	ClinicID        string              `json:"clinicId,omitempty"`
	Result          models.CachedResult `json:"result"`
	Rationale       string              `json:"rationale,omitempty"`
	Summary         []string            `json:"summary"`
	Recommendations []string            `json:"recommendations"`
	NeedsReview     bool                `json:"needsReview"`
	ReviewReasons   []string            `json:"reviewReasons,omitempty"`
	FromCache       bool                `json:"fromCache,omitempty"`
	Queued          bool                `json:"queued,omitempty"`
	Admitted        bool                `json:"admitted,omitempty"`
	RunID           string              `json:"runId"`
}

// Pipeline wires the resilient caller, the offline store and the workflow engine
type Pipeline struct {
	caller   *resilience.Caller
	cache    *offline.Cache
	queue    *offline.Queue
	rules    *rules.Engine
	engine   *execution.Engine
	tracker  *execution.RunTracker
	graph    *models.WorkflowGraph
	admitter ReviewAdmitter
	now      func() time.Time

	ancestors map[string]map[string]bool
}

// New creates a pipeline. The graph is validated up front, including that every
// node's inputs are wired upstream of it; a nil graph means the default
// screening graph.
func New(caller *resilience.Caller, cache *offline.Cache, queue *offline.Queue, ruleEngine *rules.Engine, graph *models.WorkflowGraph) (*Pipeline, error) {
	if graph == nil {
		graph = execution.DefaultScreeningGraph()
	}
	if err := validateForScreening(graph); err != nil {
		return nil, err
	}

	return &Pipeline{
		caller:    caller,
		cache:     cache,
		queue:     queue,
		rules:     ruleEngine,
		engine:    execution.NewEngine(),
		tracker:   execution.NewRunTracker(),
		graph:     graph,
		ancestors: ancestorsOf(graph),
		now:       time.Now,
	}, nil
}

// SetAdmitter enables admitting cases that need review into the HITL queue
func (p *Pipeline) SetAdmitter(a ReviewAdmitter) {
	p.admitter = a
}

// Engine exposes the workflow engine, e.g. to attach an update channel
func (p *Pipeline) Engine() *execution.Engine {
	return p.engine
}

// Graph returns the workflow the pipeline runs
func (p *Pipeline) Graph() *models.WorkflowGraph {
	return p.graph
}

// Submit processes one observation. It never waits on an unreachable backend
// longer than the caller's timeout; without connectivity the draft carries an
// offline estimate and the submission is queued for replay.
func (p *Pipeline) Submit(ctx context.Context, sub models.Submission) (*Draft, error) {
	sub.ObservationText = strings.TrimSpace(sub.ObservationText)
	if sub.ObservationText == "" {
		return nil, fmt.Errorf("observation text is required")
	}
	if sub.AgeMonths < 0 {
		return nil, fmt.Errorf("age in months must not be negative")
	}
	if !p.tracker.Acquire() {
		return nil, execution.ErrDraining
	}
	defer p.tracker.Release()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.EnqueuedAt.IsZero() {
		sub.EnqueuedAt = p.now().UTC()
	}

	run := &runState{p: p, sub: sub, outputs: make(map[string]any, len(p.graph.Nodes))}
	result, err := p.engine.Execute(ctx, p.graph, run.runNode)
	if err != nil {
		return nil, err
	}

	draft := run.buildDraft()
	draft.RunID = result.RunID

	if draft.NeedsReview {
		draft.Admitted = p.admit(ctx, sub, draft)
	}

	logging.WithSubmission(sub.ID, sub.Domain).Info("submission processed",
		"risk", draft.Result.Risk,
		"mode", draft.Result.Mode,
		"needs_review", draft.NeedsReview,
		"queued", draft.Queued)
	return draft, nil
}

// Replay sends one queued submission to the backend. On success the online
// result replaces the cached entry under the same key. It is the sender used
// by the background sync.
func (p *Pipeline) Replay(ctx context.Context, sub models.Submission) error {
	if !p.tracker.Acquire() {
		return execution.ErrDraining
	}
	defer p.tracker.Release()

	resp, err := p.caller.TryRemote(ctx, sub)
	if err != nil {
		return err
	}
	p.cache.Upgrade(sub.Fingerprint(), p.caller.OnlineResult(sub, resp))
	return nil
}

// Drain rejects new submissions and replays, then waits up to timeout for
// those in flight. Call it before closing the local store.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	return p.tracker.Drain(timeout)
}

func (p *Pipeline) admit(ctx context.Context, sub models.Submission, draft *Draft) bool {
	if p.admitter == nil || sub.ClinicID == "" {
		return false
	}

	req := models.AdmitCaseRequest{
		ClinicID: sub.ClinicID,
		CaseID:   sub.ID,
		ActorID:  "pipeline",
		Notes:    strings.Join(draft.ReviewReasons, "; "),
	}
	if err := p.admitter.AdmitCase(ctx, req); err != nil {
		// best effort; the draft is still returned to the field worker
		log.Printf("⚠️  [PIPELINE] Failed to admit case %s for review: %v", sub.ID, err)
		return false
	}
	return true
}
