package airtable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/airlookup/internal/formula"
	"github.com/basekick-labs/airlookup/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the public Airtable REST endpoint
const DefaultBaseURL = "https://api.airtable.com/v0"

// Query describes one paginated read of a table
type Query struct {
	Formula    formula.Formula
	View       string
	PageSize   int
	MaxRecords int
	Timeout    time.Duration // per page
}

// ClientConfig holds configuration for the Airtable client
type ClientConfig struct {
	APIKey   string
	BaseID   string
	BaseURL  string
	Executor Executor
	Logger   zerolog.Logger
}

// Client reads records from one Airtable base. It is immutable after
// construction and safe for concurrent use.
type Client struct {
	apiKey   string
	baseURL  string
	executor Executor
	logger   zerolog.Logger
}

// NewClient creates a new Airtable client
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	if cfg.APIKey == "" || cfg.BaseID == "" {
		return nil, errors.New("api key and base id are required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("query executor is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  baseURL + "/" + url.PathEscape(cfg.BaseID),
		executor: cfg.Executor,
		logger:   cfg.Logger.With().Str("component", "airtable-client").Str("executor", cfg.Executor.Name()).Logger(),
	}, nil
}

// Executor returns the strategy name in use
func (c *Client) Executor() string { return c.executor.Name() }

// Close releases the executor's pooled connections
func (c *Client) Close() error { return c.executor.Close() }

// FetchAll follows the offset cursor until the last page and returns every
// record in response order. Any failure discards what was gathered and
// returns a *FetchError carrying the count.
func (c *Client) FetchAll(ctx context.Context, table string, q Query) ([]Record, error) {
	var (
		records []Record
		offset  string
		pages   int
	)
	seen := make(map[string]struct{})
	start := time.Now()

	for {
		page, err := c.fetchPage(ctx, table, q, offset)
		if err != nil {
			return nil, c.abort(err, pages, len(records))
		}
		pages++
		records = append(records, page.Records...)

		if page.Offset == "" {
			break
		}
		if _, dup := seen[page.Offset]; dup {
			return nil, c.abort(&FetchError{
				Kind:  KindDecode,
				Table: table,
				Err:   fmt.Errorf("pagination cursor %q repeated", page.Offset),
			}, pages, len(records))
		}
		seen[page.Offset] = struct{}{}
		offset = page.Offset
	}

	metrics.Get().IncRemoteRecords(int64(len(records)))
	c.logger.Debug().
		Str("table", table).
		Int("pages", pages).
		Int("records", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("Airtable fetch complete")

	return records, nil
}

// abort records a failed fetch and stamps how many records were gathered
func (c *Client) abort(err *FetchError, pages, fetched int) *FetchError {
	err.FetchedSoFar = fetched
	metrics.Get().IncRemoteErrors()
	c.logger.Debug().
		Err(err).
		Str("table", err.Table).
		Int("pages", pages).
		Int("fetched_so_far", fetched).
		Msg("Airtable fetch aborted")
	return err
}

func (c *Client) fetchPage(ctx context.Context, table string, q Query, offset string) (*listResponse, *FetchError) {
	metrics.Get().IncRemoteRequests()

	req := PageRequest{
		URL:     c.pageURL(table, q, offset),
		APIKey:  c.apiKey,
		Timeout: q.Timeout,
	}

	page, err := c.executor.GetPage(ctx, req)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, errCorruptBody) {
			kind = KindDecode
		}
		return nil, &FetchError{Kind: kind, Table: table, Err: err}
	}

	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return nil, &FetchError{
			Kind:       KindStatus,
			Table:      table,
			StatusCode: page.StatusCode,
			Err:        errors.New(statusMessage(page.Body)),
		}
	}

	var resp listResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, &FetchError{Kind: KindDecode, Table: table, StatusCode: page.StatusCode, Err: err}
	}
	return &resp, nil
}

func (c *Client) pageURL(table string, q Query, offset string) string {
	params := url.Values{}
	params.Set("returnFieldsByFieldId", "false")
	if q.View != "" {
		params.Set("view", q.View)
	}
	if q.Formula != "" {
		params.Set("filterByFormula", string(q.Formula))
	}
	if q.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.MaxRecords > 0 {
		params.Set("maxRecords", strconv.Itoa(q.MaxRecords))
	}
	if offset != "" {
		params.Set("offset", offset)
	}

	return c.baseURL + "/" + url.PathEscape(table) + "?" + params.Encode()
}
