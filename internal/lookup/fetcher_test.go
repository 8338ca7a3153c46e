package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/airtable/airtabletest"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fetchCall is one captured FetchAll invocation
type fetchCall struct {
	Table string
	Query airtable.Query
}

// fakeFetcher serves FetchAll from a function and records calls
type fakeFetcher struct {
	mu       sync.Mutex
	calls    []fetchCall
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fn       func(table string, q airtable.Query) ([]airtable.Record, error)
}

func (f *fakeFetcher) FetchAll(ctx context.Context, table string, q airtable.Query) ([]airtable.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{Table: table, Query: q})
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(table, q)
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeFetcher) CallsFor(table string) []fetchCall {
	var out []fetchCall
	for _, c := range f.Calls() {
		if c.Table == table {
			out = append(out, c)
		}
	}
	return out
}

var recordIDPattern = regexp.MustCompile(`RECORD_ID\(\) = '([^']*)'`)

// idsInFormula extracts the ids of a RecordIDIn formula
func idsInFormula(f string) []string {
	var ids []string
	for _, m := range recordIDPattern.FindAllStringSubmatch(f, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

func rec(id string, fields map[string]interface{}) airtable.Record {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return airtable.Record{ID: id, Fields: fields, CreatedTime: "2024-01-01T00:00:00.000Z"}
}

// linkedRecords answers a RECORD_ID formula with one record per id
func linkedRecords(q airtable.Query) []airtable.Record {
	var out []airtable.Record
	for _, id := range idsInFormula(string(q.Formula)) {
		out = append(out, rec(id, map[string]interface{}{"Linked": id}))
	}
	return out
}

var errBoom = errors.New("boom")

const (
	mainTable = "tblMain"
	appsTable = "tblApps"
	txTable   = "tblTx"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Airtable: config.AirtableConfig{
			APIKey:  "keyTest",
			BaseID:  "appTest",
			TableID: mainTable,
			BaseURL: baseURL,
			Client:  airtable.StrategyNetHTTP,
		},
		Lookup: config.LookupConfig{MaxRecords: 3, TimeoutSeconds: 5},
		Sync: config.SyncConfig{
			PageSize:       100,
			TimeoutSeconds: 5,
			TimestampField: "Completed Timestamp",
			ExpandFields:   []string{"Applications ↗"},
		},
		Expansion: config.ExpansionConfig{
			MaxIDs:         10,
			TimeoutSeconds: 5,
			Concurrency:    4,
			LinkedFields: []config.LinkedField{
				{Name: "Applications ↗", Table: appsTable},
				{Name: "Transactions ↗", Table: txTable},
			},
		},
	}
}

// newServerHandler wires a Handler to a fake Airtable server through the real client
func newServerHandler(t *testing.T, srv *airtabletest.Server) *Handler {
	t.Helper()
	cfg := testConfig(srv.BaseURL())
	client, err := airtable.NewClient(&airtable.ClientConfig{
		APIKey:   cfg.Airtable.APIKey,
		BaseID:   cfg.Airtable.BaseID,
		BaseURL:  cfg.Airtable.BaseURL,
		Executor: airtable.NewNetHTTPExecutor(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return NewHandler(&HandlerConfig{Config: cfg, Fetcher: client, Logger: zerolog.Nop()})
}

// serverLinked answers RECORD_ID formulas on the fake server
func serverLinked(query url.Values) []airtabletest.Record {
	var out []airtabletest.Record
	for _, id := range idsInFormula(query.Get("filterByFormula")) {
		out = append(out, airtabletest.Record{
			ID:          id,
			Fields:      map[string]interface{}{"Name": fmt.Sprintf("linked %s", id)},
			CreatedTime: "2024-01-01T00:00:00.000Z",
		})
	}
	return out
}
