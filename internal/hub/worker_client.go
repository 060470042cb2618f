package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// ErrWorkerTimeout marks a worker call that exceeded its deadline (504).
var ErrWorkerTimeout = errors.New("worker timeout")

// ErrWorkerError marks a transport failure or worker-side 5xx (502).
var ErrWorkerError = errors.New("worker error")

// WorkerClient calls an opaque expert worker. Workers are stateless: every
// request carries all context.
type WorkerClient interface {
	Invoke(ctx context.Context, agent AgentConfig, req contracts.InvokeRequest) (*contracts.InvokeResponse, error)
}

// HTTPWorkerClient is the production client. Retry policy lives with the
// callers (the Orchestrator retries through the Hub); a single ask maps to a
// single worker attempt.
type HTTPWorkerClient struct {
	httpClient *http.Client
}

func NewHTTPWorkerClient() *HTTPWorkerClient {
	// Per-call deadlines come from the request context; no client-wide cap.
	return &HTTPWorkerClient{httpClient: &http.Client{}}
}

func (c *HTTPWorkerClient) Invoke(ctx context.Context, agent AgentConfig, req contracts.InvokeRequest) (*contracts.InvokeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, agent.Timeout())
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent %s after %s", ErrWorkerTimeout, agent.ID, time.Since(start).Truncate(time.Millisecond))
		}
		return nil, fmt.Errorf("%w: agent %s: %v", ErrWorkerError, agent.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading agent %s response: %v", ErrWorkerError, agent.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: agent %s returned status %d", ErrWorkerError, agent.ID, resp.StatusCode)
	}

	var out contracts.InvokeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: agent %s returned malformed response: %v", ErrWorkerError, agent.ID, err)
	}
	if !models.ValidConfidence(out.Confidence) {
		return nil, fmt.Errorf("%w: agent %s reported confidence %d outside [0,100]", ErrWorkerError, agent.ID, out.Confidence)
	}
	return &out, nil
}
