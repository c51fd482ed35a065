package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPPlanner calls a planner service over HTTP.
type HTTPPlanner struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPlanner creates a planner client for baseURL.
func NewHTTPPlanner(baseURL string, timeout time.Duration) *HTTPPlanner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPPlanner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Next posts req to /v1/plan/next.
func (p *HTTPPlanner) Next(ctx context.Context, req Request) (Step, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Step{}, fmt.Errorf("planner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/plan/next", bytes.NewReader(body))
	if err != nil {
		return Step{}, fmt.Errorf("planner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Step{}, fmt.Errorf("planner: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Step{}, fmt.Errorf("planner: status %d: %s", resp.StatusCode, string(msg))
	}

	var step Step
	if err := json.NewDecoder(resp.Body).Decode(&step); err != nil {
		return Step{}, fmt.Errorf("planner: decode response: %w", err)
	}
	if !step.Done && strings.TrimSpace(step.Code) == "" {
		return Step{}, ErrNoStep
	}
	return step, nil
}
