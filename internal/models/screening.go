package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Mode tells where a screening result came from
type Mode string

const (
	ModeOffline Mode = "offline" // rule engine estimate, not yet confirmed remotely
	ModeOnline  Mode = "online"  // remote model result
	ModeHybrid  Mode = "hybrid"  // remote correction that replaced a cached offline estimate
)

// Risk is the coarse risk band of a screening result
type Risk string

const (
	RiskLow      Risk = "low"
	RiskModerate Risk = "moderate"
	RiskElevated Risk = "elevated"
	RiskUnknown  Risk = "unknown"
)

// Submission is one field observation. It is immutable once enqueued.
type Submission struct {
	ID              string    `json:"id"`
	ClinicID        string    `json:"clinicId,omitempty"`
	AgeMonths       int       `json:"ageMonths"`
	Domain          string    `json:"domain,omitempty"`
	ObservationText string    `json:"observationText"`
	ImageRef        string    `json:"imageRef,omitempty"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

// Estimate is the output of the offline rule engine
type Estimate struct {
	Domain          string   `json:"domain"`
	Risk            Risk     `json:"risk"`
	Confidence      float64  `json:"confidence"`
	Rationale       string   `json:"rationale"`
	Recommendations []string `json:"recommendations"`
	RuleID          string   `json:"ruleId,omitempty"`
}

// CachedResult is a screening result stored on the device, keyed by fingerprint
type CachedResult struct {
	Key             string    `json:"key"`
	Risk            Risk      `json:"risk"`
	Confidence      float64   `json:"confidence"`
	Summary         []string  `json:"summary"`
	Recommendations []string  `json:"recommendations"`
	Mode            Mode      `json:"mode"`
	Timestamp       time.Time `json:"timestamp"`
}

// InferRequest is the body of POST /infer
type InferRequest struct {
	AgeMonths    int    `json:"age_months"`
	Observations string `json:"observations"`
	Domain       string `json:"domain,omitempty"`
}

// InferResponse is the body returned by POST /infer
type InferResponse struct {
	Summary         []string `json:"summary"`
	Risk            Risk     `json:"risk"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// ScreeningResult is what the resilient caller hands back for a submission
type ScreeningResult struct {
	SubmissionID string       `json:"submissionId"`
	Result       CachedResult `json:"result"`
	Rationale    string       `json:"rationale,omitempty"`
	FromCache    bool         `json:"fromCache,omitempty"`
}

// Offline reports whether the result is a local estimate
func (r ScreeningResult) Offline() bool {
	return r.Result.Mode == ModeOffline
}

// NewInferRequest builds the remote request for a submission
func NewInferRequest(sub Submission) InferRequest {
	return InferRequest{
		AgeMonths:    sub.AgeMonths,
		Observations: sub.ObservationText,
		Domain:       sub.Domain,
	}
}

// Fingerprint is the stable cache key of a submission: domain, age and a hash
// of the whitespace-normalized, lower-cased observation text.
func (s Submission) Fingerprint() string {
	return Fingerprint(s.Domain, s.AgeMonths, s.ObservationText)
}

// Fingerprint computes the cache key for (domain, ageMonths, observationText)
func Fingerprint(domain string, ageMonths int, observationText string) string {
	text := strings.Join(strings.Fields(strings.ToLower(observationText)), " ")
	sum := blake2b.Sum256([]byte(text))
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		d = "auto"
	}
	return fmt.Sprintf("%s:%d:%s", d, ageMonths, hex.EncodeToString(sum[:16]))
}
