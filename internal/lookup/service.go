package lookup

import (
	"context"
	"time"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/internal/formula"
	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/rs/zerolog"
)

// phoneField is the canonical column that gets the alternate-spelling retry
const phoneField = "Phone"

// LookupResult is the outcome of a point lookup
type LookupResult struct {
	Matches          []models.SimplifiedRecord
	UsedPhoneVariant bool
	VariantUsed      string
}

// SyncResult is the outcome of a bulk sync
type SyncResult struct {
	Records         []models.SimplifiedRecord
	NewestTimestamp string
}

// Service runs lookups and syncs against one table
type Service struct {
	fetcher  Fetcher
	expander *Expander
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewService wires the resolver and expander from configuration
func NewService(cfg *config.Config, fetcher Fetcher, logger zerolog.Logger) *Service {
	resolver := NewResolver(
		fetcher,
		cfg.Expansion.MaxIDs,
		config.Timeout(cfg.Expansion.TimeoutSeconds, defaultLinkedTimeout),
		logger,
	)
	return &Service{
		fetcher:  fetcher,
		expander: NewExpander(resolver, cfg.Expansion.LinkedFields, cfg.Expansion.Concurrency, logger),
		cfg:      cfg,
		logger:   logger.With().Str("component", "lookup-service").Logger(),
	}
}

// Lookup finds at most lookup.max_records rows whose field equals the value,
// ignoring case. A phone lookup with no match is retried once with the
// alternate spelling. A single match gets its linked records expanded.
func (s *Service) Lookup(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	matches, err := s.search(ctx, req.Field, req.Value)
	if err != nil {
		return nil, err
	}

	result := &LookupResult{}
	if len(matches) == 0 && req.Field == phoneField {
		if variant, ok := AlternatePhone(req.Value); ok {
			s.logger.Debug().Str("variant", variant).Msg("No phone match, retrying with alternate form")
			matches, err = s.search(ctx, req.Field, variant)
			if err != nil {
				return nil, err
			}
			if len(matches) > 0 {
				result.UsedPhoneVariant = true
				result.VariantUsed = variant
			}
		}
	}

	result.Matches = Simplify(matches)
	s.expander.ExpandSingle(ctx, result.Matches)
	return result, nil
}

func (s *Service) search(ctx context.Context, field, value string) ([]airtable.Record, error) {
	return s.fetcher.FetchAll(ctx, s.cfg.Airtable.TableID, airtable.Query{
		Formula:    formula.Equality(field, value),
		View:       s.cfg.Airtable.ViewID,
		MaxRecords: config.Bounded(s.cfg.Lookup.MaxRecords, config.MaxLookupRecords),
		Timeout:    config.Timeout(s.cfg.Lookup.TimeoutSeconds, 10*time.Second),
	})
}

// Sync walks every page of a view. Incremental syncs filter on the
// timestamp field and expand the configured linked fields per record.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	q := airtable.Query{
		View:     req.ViewID,
		PageSize: s.cfg.Sync.PageSize,
		Timeout:  config.Timeout(s.cfg.Sync.TimeoutSeconds, 30*time.Second),
	}
	if req.Mode == ModeIncremental {
		q.Formula = formula.IsAfter(s.cfg.Sync.TimestampField, req.AfterTimestamp)
	}

	records, err := s.fetcher.FetchAll(ctx, s.cfg.Airtable.TableID, q)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Records: Simplify(records)}
	if req.Mode == ModeIncremental {
		s.expander.ExpandEach(ctx, result.Records, s.cfg.Sync.ExpandFields)
		result.NewestTimestamp = NewestTimestamp(result.Records, s.cfg.Sync.TimestampField, s.logger)
	}
	return result, nil
}

// NewestTimestamp returns the greatest non-empty string value of field,
// compared as text. Values that are not RFC 3339 are kept but logged, since
// text order only matches time order for a uniform format.
func NewestTimestamp(records []models.SimplifiedRecord, field string, logger zerolog.Logger) string {
	var newest string
	irregular := 0
	for _, r := range records {
		ts, ok := r.Fields[field].(string)
		if !ok || ts == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			irregular++
		}
		if ts > newest {
			newest = ts
		}
	}

	if irregular > 0 {
		logger.Warn().
			Str("field", field).
			Int("count", irregular).
			Msg("Timestamps not in RFC 3339 form, newest value compared as text")
	}
	return newest
}
