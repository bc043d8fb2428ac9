package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devscreen/internal/execution"
	"devscreen/internal/models"
	"devscreen/internal/offline"
	"devscreen/internal/resilience"
	"devscreen/internal/rules"
)

// switchableScorer fails with a network error until it is switched online
type switchableScorer struct {
	online atomic.Bool
	calls  atomic.Int32
}

func (s *switchableScorer) Infer(ctx context.Context, req models.InferRequest) (*models.InferResponse, error) {
	s.calls.Add(1)
	if !s.online.Load() {
		return nil, errors.New("dial tcp: lookup api.devscreen.local: no such host")
	}
	return &models.InferResponse{
		Summary:         []string{"Reduced response to name at 24 months"},
		Risk:            models.RiskElevated,
		Recommendations: []string{"Refer for a formal language assessment"},
		Confidence:      0.93,
	}, nil
}

type recordingAdmitter struct {
	mu   sync.Mutex
	reqs []models.AdmitCaseRequest
	err  error
}

func (a *recordingAdmitter) AdmitCase(ctx context.Context, req models.AdmitCaseRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.err
}

type fixture struct {
	scorer   *switchableScorer
	pipeline *Pipeline
	cache    *offline.Cache
	queue    *offline.Queue
}

func newFixture(t *testing.T, graph *models.WorkflowGraph) *fixture {
	t.Helper()
	store, err := offline.OpenStore(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	scorer := &switchableScorer{}
	engine := rules.NewEngine()
	caller := resilience.NewCaller(scorer, engine, nil, time.Second)
	cache := offline.NewCache(store, 0)
	queue := offline.NewQueue(store)

	p, err := New(caller, cache, queue, engine, graph)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{scorer: scorer, pipeline: p, cache: cache, queue: queue}
}

func eyeContactSubmission() models.Submission {
	return models.Submission{
		ClinicID:        "clinic-1",
		AgeMonths:       24,
		Domain:          "communication",
		ObservationText: "not making eye contact when name called",
	}
}

func TestSubmit_OfflineThenReplay(t *testing.T) {
	f := newFixture(t, nil)

	draft, err := f.pipeline.Submit(context.Background(), eyeContactSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if draft.Result.Mode != models.ModeOffline {
		t.Fatalf("Expected offline result, got %s", draft.Result.Mode)
	}
	if draft.Result.Risk != models.RiskElevated {
		t.Errorf("Expected elevated risk, got %s", draft.Result.Risk)
	}
	if math.Abs(draft.Result.Confidence-0.90) > 1e-9 {
		t.Errorf("Expected confidence 0.90, got %v", draft.Result.Confidence)
	}
	if !draft.Queued || !draft.NeedsReview {
		t.Errorf("Expected queued draft needing review, got %+v", draft)
	}

	key := models.Fingerprint("communication", 24, "not making eye contact when name called")
	cached, ok := f.cache.Get(key)
	if !ok || cached.Risk != models.RiskElevated || cached.Mode != models.ModeOffline {
		t.Fatalf("Expected cached offline result, got %+v (ok=%v)", cached, ok)
	}
	if n, _ := f.queue.Len(); n != 1 {
		t.Fatalf("Expected 1 queued submission, got %d", n)
	}

	// connectivity returns
	syncer, err := offline.NewSyncService(f.queue, f.pipeline.Replay, nil, offline.SyncOptions{})
	if err != nil {
		t.Fatalf("NewSyncService failed: %v", err)
	}
	defer syncer.Close()

	replayed := make(chan offline.SyncEvent, 4)
	syncer.OnEvent(func(ev offline.SyncEvent) {
		if ev.Type == offline.SyncEventReplayed || ev.Type == offline.SyncEventReplayFailed {
			replayed <- ev
		}
	})

	f.scorer.online.Store(true)
	syncer.SetOnline(true)

	select {
	case ev := <-replayed:
		if ev.Type != offline.SyncEventReplayed || ev.Replayed != 1 {
			t.Fatalf("Unexpected replay event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replay")
	}

	if n, _ := f.queue.Len(); n != 0 {
		t.Errorf("Expected queue drained, got %d", n)
	}
	upgraded, ok := f.cache.Get(key)
	if !ok || upgraded.Mode != models.ModeHybrid || upgraded.Confidence != 0.93 {
		t.Errorf("Expected hybrid correction under the same key, got %+v", upgraded)
	}
}

func TestSubmit_OnlineResultNotQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.scorer.online.Store(true)

	draft, err := f.pipeline.Submit(context.Background(), eyeContactSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if draft.Result.Mode != models.ModeOnline || draft.Queued {
		t.Errorf("Expected online unqueued draft, got %+v", draft)
	}
	if n, _ := f.queue.Len(); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}

	// a second identical observation is served from the cache without a remote call
	before := f.scorer.calls.Load()
	again, err := f.pipeline.Submit(context.Background(), eyeContactSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !again.FromCache || f.scorer.calls.Load() != before {
		t.Errorf("Expected cache hit without network, fromCache=%v calls %d->%d", again.FromCache, before, f.scorer.calls.Load())
	}
}

func TestSubmit_TypicalObservationSkipsReviewWhenOnline(t *testing.T) {
	f := newFixture(t, nil)
	f.pipeline.caller = resilience.NewCaller(lowRiskScorer{}, rules.NewEngine(), nil, time.Second)

	draft, err := f.pipeline.Submit(context.Background(), models.Submission{
		AgeMonths:       30,
		Domain:          "motor",
		ObservationText: "runs and climbs stairs",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if draft.NeedsReview {
		t.Errorf("Expected no review for a confident low-risk online result, reasons %v", draft.ReviewReasons)
	}
}

type lowRiskScorer struct{}

func (lowRiskScorer) Infer(ctx context.Context, req models.InferRequest) (*models.InferResponse, error) {
	return &models.InferResponse{Summary: []string{"typical"}, Risk: models.RiskLow, Confidence: 0.95}, nil
}

func TestSubmit_AdmitsCasesNeedingReview(t *testing.T) {
	f := newFixture(t, nil)
	admitter := &recordingAdmitter{}
	f.pipeline.SetAdmitter(admitter)

	draft, err := f.pipeline.Submit(context.Background(), eyeContactSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !draft.Admitted {
		t.Fatal("Expected draft to be admitted for review")
	}
	if len(admitter.reqs) != 1 || admitter.reqs[0].ClinicID != "clinic-1" || admitter.reqs[0].CaseID != draft.SubmissionID {
		t.Errorf("Unexpected admit requests: %+v", admitter.reqs)
	}

	// failures are best effort
	admitter.err = errors.New("coordinator unavailable")
	draft, err = f.pipeline.Submit(context.Background(), models.Submission{ClinicID: "clinic-1", AgeMonths: 20, ObservationText: "not walking yet"})
	if err != nil {
		t.Fatalf("Submit should not fail when admission fails: %v", err)
	}
	if draft.Admitted {
		t.Error("Expected Admitted=false when the coordinator rejects the case")
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.pipeline.Submit(context.Background(), models.Submission{AgeMonths: 12}); err == nil {
		t.Error("Expected error for empty observation")
	}
	if _, err := f.pipeline.Submit(context.Background(), models.Submission{AgeMonths: -1, ObservationText: "x"}); err == nil {
		t.Error("Expected error for negative age")
	}
}

func TestNew_RejectsInvalidGraph(t *testing.T) {
	graph := &models.WorkflowGraph{
		Nodes: []models.WorkflowNode{{ID: "score", Type: models.NodeScoring}},
	}
	store, err := offline.OpenStore(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	engine := rules.NewEngine()
	_, err = New(resilience.NewCaller(&switchableScorer{}, engine, nil, time.Second), offline.NewCache(store, 0), offline.NewQueue(store), engine, graph)
	if !errors.Is(err, execution.ErrInvalidGraph) {
		t.Fatalf("Expected ErrInvalidGraph, got %v", err)
	}
}

func TestSubmit_SpeechGraph(t *testing.T) {
	graph, err := execution.ParseGraph([]byte(`
name: speech
nodes:
  - id: mic
    type: speech_capture
  - id: rules
    type: rule_check
  - id: summary
    type: summarizer
    config:
      max_points: 1
  - id: draft
    type: draft_output
connections:
  - from: mic
    to: rules
  - from: rules
    to: summary
  - from: summary
    to: draft
`))
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	f := newFixture(t, graph)

	draft, err := f.pipeline.Submit(context.Background(), models.Submission{AgeMonths: 20, ObservationText: "not walking yet"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if draft.Result.Risk != models.RiskElevated || draft.Result.Mode != models.ModeOffline {
		t.Errorf("Expected rule-only elevated result, got %+v", draft.Result)
	}
	if len(draft.Summary) != 1 {
		t.Errorf("Expected summary capped at 1 point, got %v", draft.Summary)
	}
	if !draft.NeedsReview {
		t.Error("Expected default review policy without a review gate")
	}
	if f.scorer.calls.Load() != 0 {
		t.Error("A graph without a scoring node must not call the backend")
	}
}

func TestDrain_RejectsNewWork(t *testing.T) {
	f := newFixture(t, nil)

	if !f.pipeline.Drain(time.Second) {
		t.Fatal("Expected idle pipeline to drain immediately")
	}
	if _, err := f.pipeline.Submit(context.Background(), eyeContactSubmission()); !errors.Is(err, execution.ErrDraining) {
		t.Errorf("Expected ErrDraining from Submit, got %v", err)
	}
	if err := f.pipeline.Replay(context.Background(), eyeContactSubmission()); !errors.Is(err, execution.ErrDraining) {
		t.Errorf("Expected ErrDraining from Replay, got %v", err)
	}
}

func TestNew_RejectsUnwiredDependencies(t *testing.T) {
	// summary has no scoring or rule check upstream
	graph, err := execution.ParseGraph([]byte(`
name: unwired
nodes:
  - id: intake
    type: text_input
  - id: score
    type: scoring
  - id: summary
    type: summarizer
  - id: draft
    type: draft_output
connections:
  - {from: intake, to: score}
  - {from: intake, to: summary}
  - {from: summary, to: draft}
  - {from: score, to: draft}
`))
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if result := execution.ValidateGraph(graph); !result.IsValid {
		t.Fatalf("Expected graph to be structurally valid, got %+v", result.Issues)
	}

	issues := CheckDependencies(graph)
	if len(issues) != 1 || issues[0].NodeID != "summary" || issues[0].Type != "missing_dependency" {
		t.Fatalf("Expected one missing_dependency issue for summary, got %+v", issues)
	}

	store, err := offline.OpenStore(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	engine := rules.NewEngine()
	_, err = New(resilience.NewCaller(&switchableScorer{}, engine, nil, time.Second), offline.NewCache(store, 0), offline.NewQueue(store), engine, graph)
	if !errors.Is(err, execution.ErrInvalidGraph) {
		t.Fatalf("Expected ErrInvalidGraph, got %v", err)
	}
}

func TestCheckDependencies_DefaultGraph(t *testing.T) {
	if issues := CheckDependencies(execution.DefaultScreeningGraph()); len(issues) != 0 {
		t.Errorf("Expected default graph fully wired, got %+v", issues)
	}
}
