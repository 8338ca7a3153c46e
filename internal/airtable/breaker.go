package airtable

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/airlookup/internal/circuitbreaker"
)

var errServerStatus = errors.New("server error status")

// breakerExecutor counts transport failures and 5xx responses against a
// circuit breaker. 5xx pages are still handed back so the Client reports
// the real status.
type breakerExecutor struct {
	next    Executor
	breaker *circuitbreaker.CircuitBreaker
}

// WithBreaker wraps next so an open circuit fails fast as a transport error
func WithBreaker(next Executor, breaker *circuitbreaker.CircuitBreaker) Executor {
	if breaker == nil {
		return next
	}
	return &breakerExecutor{next: next, breaker: breaker}
}

func (e *breakerExecutor) Name() string { return e.next.Name() }

func (e *breakerExecutor) Close() error { return e.next.Close() }

func (e *breakerExecutor) GetPage(ctx context.Context, req PageRequest) (*Page, error) {
	var page *Page
	err := e.breaker.Execute(func() error {
		p, err := e.next.GetPage(ctx, req)
		if err != nil {
			return err
		}
		page = p
		if p.StatusCode >= 500 {
			return fmt.Errorf("%w: %d", errServerStatus, p.StatusCode)
		}
		return nil
	})

	if page != nil {
		return page, nil
	}
	return nil, err
}
