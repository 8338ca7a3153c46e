package lookup

import (
	"context"
	"strings"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	linkedSuffix     = " ↗"
	expandedSuffix   = "_expanded"
	defaultFanOutCap = 4
)

// Simplify keeps only id, fields and createdTime of each record
func Simplify(records []airtable.Record) []models.SimplifiedRecord {
	out := make([]models.SimplifiedRecord, len(records))
	for i, r := range records {
		out[i] = r.Simplify()
	}
	return out
}

// ExpandedKey is the key a linked field's records are attached under:
// "Applications ↗" becomes "Applications_expanded".
func ExpandedKey(field string) string {
	if strings.Contains(field, linkedSuffix) {
		return strings.ReplaceAll(field, linkedSuffix, expandedSuffix)
	}
	return field + expandedSuffix
}

// Expander attaches linked records to simplified records
type Expander struct {
	resolver    *Resolver
	linked      []config.LinkedField
	concurrency int
	logger      zerolog.Logger
}

// NewExpander creates an expander over the configured linked-field table
func NewExpander(resolver *Resolver, linked []config.LinkedField, concurrency int, logger zerolog.Logger) *Expander {
	if concurrency <= 0 {
		concurrency = defaultFanOutCap
	}
	return &Expander{
		resolver:    resolver,
		linked:      linked,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "expander").Logger(),
	}
}

// expansion is one linked field of one record to resolve
type expansion struct {
	record int
	field  string
	table  string
	ids    []string
	result []airtable.Record
}

// ExpandSingle expands every configured linked field of the only match.
// It does nothing unless there is exactly one record.
func (e *Expander) ExpandSingle(ctx context.Context, records []models.SimplifiedRecord) {
	if len(records) != 1 {
		return
	}

	var jobs []*expansion
	for _, lf := range e.linked {
		if ids := linkedIDs(records[0].Fields, lf.Name); len(ids) > 0 {
			jobs = append(jobs, &expansion{record: 0, field: lf.Name, table: lf.Table, ids: ids})
		}
	}
	e.run(ctx, records, jobs)
}

// ExpandEach expands the named linked fields on every record
func (e *Expander) ExpandEach(ctx context.Context, records []models.SimplifiedRecord, fields []string) {
	var jobs []*expansion
	for _, name := range fields {
		table, ok := config.LinkedTable(e.linked, name)
		if !ok {
			e.logger.Warn().Str("field", name).Msg("No linked table configured for field, skipping expansion")
			continue
		}
		for i := range records {
			if ids := linkedIDs(records[i].Fields, name); len(ids) > 0 {
				jobs = append(jobs, &expansion{record: i, field: name, table: table, ids: ids})
			}
		}
	}
	e.run(ctx, records, jobs)
}

// run resolves jobs with bounded concurrency. Each job owns its result slot,
// so attaching happens after all resolutions finish and in job order.
func (e *Expander) run(ctx context.Context, records []models.SimplifiedRecord, jobs []*expansion) {
	if len(jobs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			job.result = e.resolver.Resolve(gctx, job.table, job.ids)
			return nil
		})
	}
	_ = g.Wait()

	resolved := 0
	for _, job := range jobs {
		if len(job.result) == 0 {
			continue
		}
		rec := &records[job.record]
		if rec.Expanded == nil {
			rec.Expanded = make(map[string][]models.SimplifiedRecord)
		}
		rec.Expanded[ExpandedKey(job.field)] = Simplify(job.result)
		resolved++
	}

	e.logger.Debug().
		Int("linked_fields", len(jobs)).
		Int("resolved", resolved).
		Msg("Linked record expansion finished")
}

// linkedIDs returns the string ids of a list-valued field
func linkedIDs(fields map[string]interface{}, name string) []string {
	list, ok := fields[name].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}
