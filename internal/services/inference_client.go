package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"devscreen/internal/models"
	"devscreen/internal/resilience"
)

// InferenceClient calls the remote scoring backend. It is the Scorer behind
// the resilient caller and the Prober behind the background sync.
type InferenceClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewInferenceClient creates a client for the backend at baseURL. Per-call
// deadlines come from the caller's context.
func NewInferenceClient(baseURL, token string) *InferenceClient {
	return &InferenceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Infer posts one observation to /infer
func (c *InferenceClient) Infer(ctx context.Context, req models.InferRequest) (*models.InferResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.ClassifyHTTPError(resp.StatusCode, string(data))
	}

	var out models.InferResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &resilience.CallError{
			Category: resilience.ErrorCategoryPermanent,
			Message:  "malformed scoring response",
			Cause:    err,
		}
	}
	return &out, nil
}

// Health probes GET /health and reports whether the backend answered 2xx
func (c *InferenceClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
