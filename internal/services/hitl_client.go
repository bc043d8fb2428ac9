package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"devscreen/internal/models"
)

// HITLClient talks to the review coordinator's REST endpoints. It admits
// cases from the field pipeline and backs the CLI queue commands.
type HITLClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHITLClient creates a client for the coordinator at baseURL
func NewHITLClient(baseURL, token string) *HITLClient {
	return &HITLClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// AdmitCase adds a case to the clinic review queue
func (c *HITLClient) AdmitCase(ctx context.Context, req models.AdmitCaseRequest) error {
	return c.do(ctx, http.MethodPost, "/hitl/cases", req, nil)
}

// Pending returns the clinic review queue
func (c *HITLClient) Pending(ctx context.Context, clinicID string) (*models.PendingResponse, error) {
	var out models.PendingResponse
	path := "/hitl/pending?clinicId=" + url.QueryEscape(clinicID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordAudit appends an event to a case's trail
func (c *HITLClient) RecordAudit(ctx context.Context, req models.AuditRequest) error {
	return c.do(ctx, http.MethodPost, "/hitl/audit", req, nil)
}

// Audit returns the trail of a case
func (c *HITLClient) Audit(ctx context.Context, clinicID, caseID string) (*models.AuditTrailResponse, error) {
	var out models.AuditTrailResponse
	q := url.Values{"clinicId": {clinicID}, "caseId": {caseID}}
	if err := c.do(ctx, http.MethodGet, "/hitl/audit?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize records the final decision and removes the case from the queue
func (c *HITLClient) Finalize(ctx context.Context, req models.FinalizeRequest) error {
	return c.do(ctx, http.MethodPost, "/hitl/finalize", req, nil)
}

func (c *HITLClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
