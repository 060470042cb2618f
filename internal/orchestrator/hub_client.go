package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/contracts"
)

// HubClient is how the Orchestrator reaches workers: only ever through the
// Agent Hub.
type HubClient interface {
	Invoke(ctx context.Context, agent string, req contracts.InvokeRequest) (*contracts.HubInvokeResponse, error)
}

// HTTPHubClient calls the Agent Hub over HTTP with bounded retry: up to 3
// attempts, 1s initial delay, doubling, total budget 10s. Only transport
// errors, 5xx, and 429 are retried.
type HTTPHubClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPHubClient(baseURL string) *HTTPHubClient {
	return &HTTPHubClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 150 * time.Second,
		},
	}
}

const (
	invokeMaxAttempts  = 3
	invokeInitialDelay = 1 * time.Second
	invokeBackoffMult  = 2.0
	invokeRetryBudget  = 10 * time.Second
)

func (c *HTTPHubClient) Invoke(ctx context.Context, agent string, req contracts.InvokeRequest) (*contracts.HubInvokeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = invokeInitialDelay
	policy.Multiplier = invokeBackoffMult
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = invokeRetryBudget

	var result *contracts.HubInvokeResponse
	attempt := 0

	operation := func() error {
		attempt++
		resp, err := c.doInvoke(ctx, agent, body)
		if err != nil {
			logging.Debug("hub invoke attempt %d/%d failed: %v", attempt, invokeMaxAttempts, err)
			return err
		}
		result = resp
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, invokeMaxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPHubClient) doInvoke(ctx context.Context, agent string, body []byte) (*contracts.HubInvokeResponse, error) {
	url := fmt.Sprintf("%s/invoke/%s", c.baseURL, agent)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create invoke request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport failure: retryable.
		return nil, fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read hub response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out contracts.HubInvokeResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode hub response: %w", err))
		}
		return &out, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("hub returned status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("hub returned status %d: %s", resp.StatusCode, string(respBody)))
	}
}
