package lookup

import (
	"context"
	"time"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/internal/formula"
	"github.com/basekick-labs/airlookup/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultLinkedTimeout = 10 * time.Second

// Fetcher reads all records of a table matching a query.
// *airtable.Client is the production implementation.
type Fetcher interface {
	FetchAll(ctx context.Context, table string, q airtable.Query) ([]airtable.Record, error)
}

// Resolver fetches the records behind a linked-record field.
// It never fails: any error yields an empty result.
type Resolver struct {
	fetcher Fetcher
	maxIDs  int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewResolver creates a resolver. maxIDs is capped at 10 and a zero timeout
// falls back to 10s.
func NewResolver(fetcher Fetcher, maxIDs int, timeout time.Duration, logger zerolog.Logger) *Resolver {
	maxIDs = config.Bounded(maxIDs, config.MaxLinkedIDs)
	if timeout <= 0 {
		timeout = defaultLinkedTimeout
	}
	return &Resolver{
		fetcher: fetcher,
		maxIDs:  maxIDs,
		timeout: timeout,
		logger:  logger.With().Str("component", "linked-resolver").Logger(),
	}
}

// Resolve returns the records of table whose ids are in ids. Only the first
// maxIDs ids are looked up, in a single bounded request.
func (r *Resolver) Resolve(ctx context.Context, table string, ids []string) (records []airtable.Record) {
	if table == "" || len(ids) == 0 {
		return nil
	}
	if len(ids) > r.maxIDs {
		ids = ids[:r.maxIDs]
	}

	m := metrics.Get()
	m.IncLinkedResolutions()

	defer func() {
		if rec := recover(); rec != nil {
			m.IncLinkedFailures()
			r.logger.Warn().Interface("panic", rec).Str("table", table).Msg("Linked record resolution panicked")
			records = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.fetcher.FetchAll(ctx, table, airtable.Query{
		Formula:    formula.RecordIDIn(ids),
		MaxRecords: r.maxIDs,
		Timeout:    r.timeout,
	})
	if err != nil {
		m.IncLinkedFailures()
		r.logger.Debug().
			Err(err).
			Str("table", table).
			Int("ids", len(ids)).
			Msg("Linked record resolution failed, continuing without it")
		return nil
	}

	m.IncLinkedRecords(int64(len(records)))
	return records
}
