package airtable

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// NetHTTPExecutor issues requests with net/http and honours proxy settings
// from the environment.
type NetHTTPExecutor struct {
	client *http.Client
}

// NewNetHTTPExecutor creates an executor backed by a cloned default transport
func NewNetHTTPExecutor() *NetHTTPExecutor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	return &NetHTTPExecutor{
		client: &http.Client{Transport: transport},
	}
}

func (e *NetHTTPExecutor) Name() string { return StrategyNetHTTP }

func (e *NetHTTPExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// GetPage performs the request bounded by req.Timeout
func (e *NetHTTPExecutor) GetPage(ctx context.Context, req PageRequest) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, pageTimeout(req.Timeout))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Error bodies are only used for a message, so keep them short
	limit := int64(maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limit = 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Page{StatusCode: resp.StatusCode, Body: body}, nil
}
