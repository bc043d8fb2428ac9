// Package resilience wraps the remote scoring backend with a circuit breaker and
// a bounded timeout, and falls back to the offline rule engine whenever the
// backend cannot answer.
package resilience

import (
	"context"
	"fmt"
	"time"

	"devscreen/internal/logging"
	"devscreen/internal/metrics"
	"devscreen/internal/models"
)

// DefaultCallTimeout bounds every remote scoring call
const DefaultCallTimeout = 30 * time.Second

// Scorer is the remote inference backend
type Scorer interface {
	Infer(ctx context.Context, req models.InferRequest) (*models.InferResponse, error)
}

// Fallback produces a local estimate when the backend is unavailable
type Fallback interface {
	Estimate(ageMonths int, domain, observationText string) models.Estimate
}

// Caller is the resilient front of the scoring backend. Call never returns an
// error: it always produces a best-effort result.
type Caller struct {
	scorer   Scorer
	fallback Fallback
	breaker  *CircuitBreaker
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCaller creates a caller. A nil breaker gets the default thresholds and a
// non-positive timeout becomes DefaultCallTimeout.
func NewCaller(scorer Scorer, fallback Fallback, breaker *CircuitBreaker, timeout time.Duration) *Caller {
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultFailureThreshold, DefaultCooldown)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Caller{
		scorer:   scorer,
		fallback: fallback,
		breaker:  breaker,
		timeout:  timeout,
		now:      time.Now,
	}
}

// SetMetrics attaches Prometheus metrics
func (c *Caller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	if m != nil {
		c.breaker.OnOpen(func(int, time.Time) { m.BreakerOpens.Inc() })
	}
}

// Breaker exposes the circuit breaker, e.g. for status output or Reset in tests
func (c *Caller) Breaker() *CircuitBreaker {
	return c.breaker
}

// Call scores a submission remotely, or locally when the breaker is open or the
// remote call fails.
func (c *Caller) Call(ctx context.Context, sub models.Submission) models.ScreeningResult {
	logger := logging.WithSubmission(sub.ID, sub.Domain)

	resp, err := c.TryRemote(ctx, sub)
	if err != nil {
		cerr := ClassifyError(err)
		if cerr.Category == ErrorCategoryShortCircuit {
			logger.Debug("circuit open, using offline rules")
		} else {
			logger.Warn("remote scoring failed, using offline rules",
				"category", cerr.Category.String(),
				"error", cerr.Error(),
				"failures", c.breaker.Snapshot().FailureCount)
		}
		return c.Fallback(sub)
	}

	return models.ScreeningResult{
		SubmissionID: sub.ID,
		Result:       c.OnlineResult(sub, resp),
	}
}

// TryRemote performs one breaker-accounted remote attempt without falling back.
// It returns ErrCircuitOpen without touching the network while the breaker is open.
func (c *Caller) TryRemote(ctx context.Context, sub models.Submission) (resp *models.InferResponse, err error) {
	if !c.breaker.Allow() {
		c.observe("short_circuit")
		return nil, ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &CallError{Category: ErrorCategoryUnknown, Message: fmt.Sprintf("scorer panic: %v", r)}
		}
		if err != nil && ctx.Err() != nil {
			// the caller gave up; that says nothing about the backend
			return
		}
		if err != nil {
			c.breaker.RecordFailure()
			c.observe("failure")
			return
		}
		c.breaker.RecordSuccess()
		c.observe("success")
	}()

	resp, err = c.scorer.Infer(callCtx, models.NewInferRequest(sub))
	if err != nil {
		return nil, err
	}
	if err := validateResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Fallback builds the offline result for a submission
func (c *Caller) Fallback(sub models.Submission) models.ScreeningResult {
	est := c.fallback.Estimate(sub.AgeMonths, sub.Domain, sub.ObservationText)
	if c.metrics != nil {
		c.metrics.FallbacksServed.Inc()
	}
	return models.ScreeningResult{
		SubmissionID: sub.ID,
		Rationale:    est.Rationale,
		Result: models.CachedResult{
			Key:             sub.Fingerprint(),
			Risk:            est.Risk,
			Confidence:      est.Confidence,
			Summary:         []string{est.Rationale},
			Recommendations: est.Recommendations,
			Mode:            models.ModeOffline,
			Timestamp:       c.now(),
		},
	}
}

// OnlineResult converts a remote response into a cacheable result
func (c *Caller) OnlineResult(sub models.Submission, resp *models.InferResponse) models.CachedResult {
	return models.CachedResult{
		Key:             sub.Fingerprint(),
		Risk:            resp.Risk,
		Confidence:      resp.Confidence,
		Summary:         resp.Summary,
		Recommendations: resp.Recommendations,
		Mode:            models.ModeOnline,
		Timestamp:       c.now(),
	}
}

func (c *Caller) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.RemoteCalls.WithLabelValues(outcome).Inc()
	}
}

func validateResponse(resp *models.InferResponse) error {
	if resp == nil {
		return &CallError{Category: ErrorCategoryPermanent, Message: "empty response from scoring backend"}
	}
	if resp.Risk == "" {
		return &CallError{Category: ErrorCategoryPermanent, Message: "scoring response has no risk"}
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return &CallError{Category: ErrorCategoryPermanent, Message: fmt.Sprintf("scoring confidence out of range: %v", resp.Confidence)}
	}
	return nil
}
