package airtable

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Executor strategies
const (
	StrategyAuto     = "auto"
	StrategyNetHTTP  = "nethttp"
	StrategyFastHTTP = "fasthttp"
)

const (
	defaultPageTimeout = 30 * time.Second
	maxResponseBytes   = 32 << 20
)

// proxyEnvVars are checked once when selecting a strategy
var proxyEnvVars = []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"}

// PageRequest is a single GET against the list-records endpoint
type PageRequest struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Page is the raw response to a PageRequest. Status interpretation and
// decoding are left to the Client so every executor behaves the same.
type Page struct {
	StatusCode int
	Body       []byte
}

// Executor performs page requests. Implementations must be safe for
// concurrent use; serve mode shares one executor across requests.
// Close releases pooled connections.
type Executor interface {
	Name() string
	GetPage(ctx context.Context, req PageRequest) (*Page, error)
	Close() error
}

// SelectExecutor picks the executor for strategy. It is called once at
// startup; getenv is injected so the proxy check can be tested.
func SelectExecutor(strategy string, getenv func(string) string) (Executor, error) {
	strategy = strings.ToLower(strings.TrimSpace(strategy))
	proxy := proxyConfigured(getenv)

	switch strategy {
	case "", StrategyAuto:
		if proxy {
			return NewNetHTTPExecutor(), nil
		}
		return NewFastHTTPExecutor(), nil
	case StrategyNetHTTP:
		return NewNetHTTPExecutor(), nil
	case StrategyFastHTTP:
		if proxy {
			return nil, fmt.Errorf("%w: fasthttp does not honour HTTP(S)_PROXY, use nethttp or auto", ErrStrategyUnavailable)
		}
		return NewFastHTTPExecutor(), nil
	default:
		return nil, fmt.Errorf("%w: %q (expected auto, nethttp or fasthttp)", ErrUnknownStrategy, strategy)
	}
}

func proxyConfigured(getenv func(string) string) bool {
	if getenv == nil {
		return false
	}
	for _, name := range proxyEnvVars {
		if strings.TrimSpace(getenv(name)) != "" {
			return true
		}
	}
	return false
}

func pageTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultPageTimeout
	}
	return d
}
