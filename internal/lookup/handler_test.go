package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/airtable/airtabletest"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/internal/logger"
	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decoded renders an envelope the way a caller sees it
func decoded(t *testing.T, env *models.Envelope) map[string]interface{} {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func requireError(t *testing.T, env *models.Envelope, code, message string) {
	t.Helper()
	require.Equal(t, models.StatusError, env.Status, "envelope: %+v", env)
	assert.Equal(t, code, env.Code)
	assert.Equal(t, message, env.Error)
}

func TestHandle_EmptyStdin(t *testing.T) {
	h := NewHandler(&HandlerConfig{Config: &config.Config{}, Logger: zerolog.Nop()})

	out := decoded(t, h.Handle(context.Background(), nil))
	assert.Equal(t, map[string]interface{}{
		"status": "error",
		"error":  "Missing input payload",
		"code":   "INPUT_ERROR",
	}, out)
}

func TestHandle_InvalidJSON(t *testing.T) {
	h := NewHandler(&HandlerConfig{Config: &config.Config{}, Logger: zerolog.Nop()})

	env := h.Handle(context.Background(), []byte(`{"field": "email",`))
	requireError(t, env, models.CodeInput, msgInvalidJSON)
	assert.Contains(t, decoded(t, env)["details"], "reason")
}

func TestHandle_LookupErrorOrder(t *testing.T) {
	missingCreds := &config.Config{}
	withCreds := testConfig("http://127.0.0.1:1")

	tests := []struct {
		name    string
		cfg     *config.Config
		payload string
		code    string
		message string
	}{
		{"empty value before credentials", missingCreds, `{"field":"bogus","value":" "}`, models.CodeInput, msgEmptyValue},
		{"credentials before field", missingCreds, `{"field":"bogus","value":"x"}`, models.CodeConfiguration, msgMissingCredentials},
		{"unsupported field", withCreds, `{"field":"bogus","value":"x"}`, models.CodeInput, msgUnsupportedField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&HandlerConfig{Config: tt.cfg, Fetcher: &fakeFetcher{}, Logger: zerolog.Nop()})
			requireError(t, h.Handle(context.Background(), []byte(tt.payload)), tt.code, tt.message)
		})
	}
}

func TestHandle_IncrementalMissingTimestamp(t *testing.T) {
	h := NewHandler(&HandlerConfig{Config: &config.Config{}, Logger: zerolog.Nop()})

	env := h.Handle(context.Background(), []byte(`{"mode":"incremental","view_id":"v1"}`))
	requireError(t, env, models.CodeInput, msgAfterRequired)
}

func TestHandle_SyncCredentialsChecked(t *testing.T) {
	h := NewHandler(&HandlerConfig{Config: &config.Config{}, Logger: zerolog.Nop()})

	env := h.Handle(context.Background(), []byte(`{"mode":"bootstrap","view_id":"v1"}`))
	requireError(t, env, models.CodeConfiguration, msgMissingCredentials)
	assert.Nil(t, env.Details)
}

func TestHandle_ClientSetupErrors(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")

	_, unavailable := airtable.SelectExecutor("fasthttp", func(string) string { return "http://proxy:3128" })
	require.Error(t, unavailable)
	h := NewHandler(&HandlerConfig{Config: cfg, ClientErr: unavailable, Logger: zerolog.Nop()})
	env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	requireError(t, env, models.CodeImport, msgClientUnavailable)

	_, unknown := airtable.SelectExecutor("curl", nil)
	h = NewHandler(&HandlerConfig{Config: cfg, ClientErr: unknown, Logger: zerolog.Nop()})
	env = h.Handle(context.Background(), []byte(`{"mode":"bootstrap","view_id":"v1"}`))
	requireError(t, env, models.CodeClient, msgClientInit)

	h = NewHandler(&HandlerConfig{Config: cfg, Logger: zerolog.Nop()})
	env = h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	assert.Equal(t, models.CodeClient, env.Code)
}

func TestHandle_PhoneVariant(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetResponder(mainTable, func(q url.Values) []airtabletest.Record {
		if q.Get("filterByFormula") == "LOWER({Phone}) = '9720501234567'" {
			return []airtabletest.Record{{
				ID:          "recPhone",
				Fields:      map[string]interface{}{"Phone": "9720501234567"},
				CreatedTime: "2024-03-01T10:00:00.000Z",
			}}
		}
		return nil
	})
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"phone","value":"972501234567"}`))
	require.True(t, env.IsOK(), "envelope: %+v", env)

	out := decoded(t, env)
	meta := out["meta"].(map[string]interface{})
	assert.Equal(t, true, meta["used_phone_variant"])
	assert.Equal(t, "9720501234567", meta["variant_used"])
	assert.Equal(t, float64(1), meta["total_matches"])
	assert.Equal(t, true, meta["expanded"])

	reqs := srv.Requests(mainTable)
	require.Len(t, reqs, 2)
	assert.Equal(t, "LOWER({Phone}) = '972501234567'", reqs[0].Query.Get("filterByFormula"))
	assert.Equal(t, "3", reqs[0].Query.Get("maxRecords"))
}

func TestHandle_LookupMaxRecordsCapped(t *testing.T) {
	for _, maxRecords := range []int{0, -1, 50} {
		t.Run(fmt.Sprint(maxRecords), func(t *testing.T) {
			f := &fakeFetcher{}
			cfg := testConfig("http://unused")
			cfg.Lookup.MaxRecords = maxRecords
			h := NewHandler(&HandlerConfig{Config: cfg, Fetcher: f, Logger: zerolog.Nop()})

			env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
			require.True(t, env.IsOK(), "envelope: %+v", env)

			calls := f.CallsFor(mainTable)
			require.Len(t, calls, 1)
			assert.Equal(t, config.MaxLookupRecords, calls[0].Query.MaxRecords)
		})
	}
}

func TestHandle_PhoneVariantNotUsedOnDirectHit(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetRecords(mainTable, airtabletest.MakeRecords("rec", 1))
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"phone","value":"972501234567"}`))
	require.True(t, env.IsOK())

	meta := decoded(t, env)["meta"].(map[string]interface{})
	assert.NotContains(t, meta, "used_phone_variant")
	assert.NotContains(t, meta, "variant_used")
	assert.Len(t, srv.Requests(mainTable), 1)
}

func TestHandle_NoVariantRetryForOtherFields(t *testing.T) {
	srv := airtabletest.NewServer(t)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"orderId","value":"972501234567"}`))
	require.True(t, env.IsOK())

	out := decoded(t, env)
	assert.Equal(t, []interface{}{}, out["matches"])
	meta := out["meta"].(map[string]interface{})
	assert.Equal(t, float64(0), meta["total_matches"])
	assert.Equal(t, false, meta["expanded"])
	assert.Len(t, srv.Requests(mainTable), 1)
}

func TestHandle_LookupExpandsSingleMatch(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetRecords(mainTable, []airtabletest.Record{{
		ID: "recMain",
		Fields: map[string]interface{}{
			"Email":          "dana@example.com",
			"Applications ↗": []interface{}{"appA", "appB"},
			"Transactions ↗": []interface{}{"txA"},
		},
		CreatedTime: "2024-01-01T00:00:00.000Z",
	}})
	srv.SetResponder(appsTable, serverLinked)
	srv.SetResponder(txTable, serverLinked)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"Email","value":"Dana@Example.com"}`))
	require.True(t, env.IsOK(), "envelope: %+v", env)
	require.Len(t, env.Matches, 1)

	expanded := env.Matches[0].Expanded
	require.Len(t, expanded["Applications_expanded"], 2)
	require.Len(t, expanded["Transactions_expanded"], 1)
	assert.Equal(t, "linked txA", expanded["Transactions_expanded"][0].Fields["Name"])

	assert.Equal(t, "LOWER({Email}) = 'dana@example.com'", srv.Requests(mainTable)[0].Query.Get("filterByFormula"))
	appReqs := srv.Requests(appsTable)
	require.Len(t, appReqs, 1)
	assert.Equal(t, "OR(RECORD_ID() = 'appA',RECORD_ID() = 'appB')", appReqs[0].Query.Get("filterByFormula"))
	assert.Equal(t, "10", appReqs[0].Query.Get("maxRecords"))
}

func TestHandle_LookupTwoMatchesNotExpanded(t *testing.T) {
	srv := airtabletest.NewServer(t)
	linked := map[string]interface{}{"Applications ↗": []interface{}{"appA"}}
	srv.SetRecords(mainTable, []airtabletest.Record{
		{ID: "rec1", Fields: linked},
		{ID: "rec2", Fields: linked},
	})
	srv.SetResponder(appsTable, serverLinked)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	require.True(t, env.IsOK())

	out := decoded(t, env)
	for _, m := range out["matches"].([]interface{}) {
		assert.NotContains(t, m.(map[string]interface{}), "expanded")
	}
	assert.Equal(t, false, out["meta"].(map[string]interface{})["expanded"])
	assert.Empty(t, srv.Requests(appsTable))
}

func TestHandle_LinkedFailureDoesNotFailLookup(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetRecords(mainTable, []airtabletest.Record{{
		ID:     "recMain",
		Fields: map[string]interface{}{"Applications ↗": []interface{}{"appA"}},
	}})
	srv.FailAfter(appsTable, 0, 403, `{"error":{"type":"INVALID_PERMISSIONS"}}`)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	require.True(t, env.IsOK())
	assert.NotContains(t, decoded(t, env)["matches"].([]interface{})[0], "expanded")
}

func TestHandle_LookupFetchErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.FailAfter(mainTable, 0, 401, `{"error":{"type":"AUTHENTICATION_REQUIRED","message":"Authentication required"}}`)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
		requireError(t, env, models.CodeAPI, msgLookupAPI)
		assert.Contains(t, env.Details.(map[string]interface{})["reason"], "AUTHENTICATION_REQUIRED")
	})

	t.Run("malformed", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.Malformed(mainTable)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
		requireError(t, env, models.CodeQuery, msgLookupQuery)
	})
}

func TestHandle_BootstrapAllPagesNoExpansion(t *testing.T) {
	srv := airtabletest.NewServer(t)
	records := airtabletest.MakeRecords("rec", 763)
	for i := range records {
		records[i].Fields["Applications ↗"] = []interface{}{fmt.Sprintf("app%d", i)}
	}
	srv.SetRecords(mainTable, records)
	srv.SetResponder(appsTable, serverLinked)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"mode":"bootstrap","view_id":"viwDone"}`))
	require.True(t, env.IsOK(), "envelope: %+v", env)

	meta := env.Meta.(models.SyncMeta)
	assert.Equal(t, 763, meta.TotalRecords)
	assert.Equal(t, ModeBootstrap, meta.Mode)
	assert.Equal(t, "viwDone", meta.ViewID)
	assert.Empty(t, meta.AfterTimestamp)
	assert.Empty(t, meta.NewestCompletedTimestamp)

	require.Len(t, env.Matches, 763)
	assert.Equal(t, "rec00000", env.Matches[0].ID)
	assert.Equal(t, "rec00762", env.Matches[762].ID)
	for _, m := range env.Matches {
		assert.Nil(t, m.Expanded)
	}

	reqs := srv.Requests(mainTable)
	assert.Len(t, reqs, 8)
	for _, r := range reqs {
		assert.Equal(t, "viwDone", r.Query.Get("view"))
		assert.Equal(t, "100", r.Query.Get("pageSize"))
		assert.Empty(t, r.Query.Get("filterByFormula"))
	}
	assert.Empty(t, srv.Requests(appsTable))

	out := decoded(t, env)
	assert.NotContains(t, out["meta"], "after_timestamp")
}

func TestHandle_Incremental(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetRecords(mainTable, []airtabletest.Record{
		{ID: "rec1", Fields: map[string]interface{}{
			"Completed Timestamp": "2025-09-28T11:00:00.000Z",
			"Applications ↗":      []interface{}{"appA"},
		}},
		{ID: "rec2", Fields: map[string]interface{}{
			"Completed Timestamp": "2025-09-29T08:30:00.000Z",
		}},
		{ID: "rec3", Fields: map[string]interface{}{
			"Applications ↗": []interface{}{"appC"},
		}},
	})
	srv.SetResponder(appsTable, serverLinked)
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"mode":"incremental","view_id":"viwDone","after_timestamp":"2025-09-28T10:00:00Z"}`))
	require.True(t, env.IsOK(), "envelope: %+v", env)

	meta := env.Meta.(models.SyncMeta)
	assert.Equal(t, ModeIncremental, meta.Mode)
	assert.Equal(t, 3, meta.TotalRecords)
	assert.Equal(t, "2025-09-28T10:00:00Z", meta.AfterTimestamp)
	assert.Equal(t, "2025-09-29T08:30:00.000Z", meta.NewestCompletedTimestamp)

	assert.Len(t, env.Matches[0].Expanded["Applications_expanded"], 1)
	assert.Nil(t, env.Matches[1].Expanded)
	assert.Len(t, env.Matches[2].Expanded["Applications_expanded"], 1)

	req := srv.Requests(mainTable)[0]
	assert.Equal(t, "IS_AFTER({Completed Timestamp}, '2025-09-28T10:00:00Z')", req.Query.Get("filterByFormula"))
	assert.Len(t, srv.Requests(appsTable), 2)
}

func TestHandle_IncrementalNoTimestampsOmitsNewest(t *testing.T) {
	srv := airtabletest.NewServer(t)
	srv.SetRecords(mainTable, airtabletest.MakeRecords("rec", 2))
	h := newServerHandler(t, srv)

	env := h.Handle(context.Background(), []byte(`{"mode":"incremental","view_id":"v","after_timestamp":"2025-01-01T00:00:00Z"}`))
	require.True(t, env.IsOK())

	meta := decoded(t, env)["meta"].(map[string]interface{})
	assert.Equal(t, "2025-01-01T00:00:00Z", meta["after_timestamp"])
	assert.NotContains(t, meta, "newest_completed_timestamp")
}

func TestHandle_SyncFetchErrors(t *testing.T) {
	t.Run("bootstrap status after two pages", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.SetRecords(mainTable, airtabletest.MakeRecords("rec", 500))
		srv.FailAfter(mainTable, 2, 429, `{"error":{"type":"RATE_LIMITED","message":"slow down"}}`)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"mode":"bootstrap","view_id":"viwDone"}`))
		require.Equal(t, models.StatusError, env.Status)
		assert.Equal(t, models.CodeAPI, env.Code)
		assert.Contains(t, env.Error, "Failed to fetch records from view: ")
		assert.Contains(t, env.Error, "RATE_LIMITED")
		assert.Equal(t, map[string]interface{}{"view_id": "viwDone", "fetched_so_far": 200}, env.Details)
		assert.Nil(t, env.Matches)
	})

	t.Run("incremental malformed", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.Malformed(mainTable)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"mode":"incremental","view_id":"v","after_timestamp":"2025-01-01"}`))
		require.Equal(t, models.StatusError, env.Status)
		assert.Equal(t, models.CodeQuery, env.Code)
		assert.Contains(t, env.Error, "Unexpected error during incremental fetch: ")
		assert.Equal(t, map[string]interface{}{"after_timestamp": "2025-01-01", "fetched_so_far": 0}, env.Details)
	})

	t.Run("incremental status", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.FailAfter(mainTable, 0, 500, ``)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"mode":"incremental","view_id":"v","after_timestamp":"2025-01-01"}`))
		assert.Equal(t, models.CodeAPI, env.Code)
		assert.Contains(t, env.Error, "Failed to fetch recently completed records: ")
	})

	t.Run("bootstrap malformed", func(t *testing.T) {
		srv := airtabletest.NewServer(t)
		srv.Malformed(mainTable)
		h := newServerHandler(t, srv)

		env := h.Handle(context.Background(), []byte(`{"mode":"bootstrap","view_id":"v"}`))
		assert.Equal(t, models.CodeQuery, env.Code)
		assert.Contains(t, env.Error, "Unexpected error during fetch: ")
	})
}

func TestHandle_PanicBecomesQueryError(t *testing.T) {
	f := &fakeFetcher{fn: func(string, airtable.Query) ([]airtable.Record, error) {
		panic("nil map")
	}}
	h := NewHandler(&HandlerConfig{Config: testConfig("http://unused"), Fetcher: f, Logger: zerolog.Nop()})

	var env *models.Envelope
	require.NotPanics(t, func() {
		env = h.Handle(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	})
	requireError(t, env, models.CodeQuery, msgLookupQuery)
	assert.Equal(t, map[string]interface{}{"reason": "nil map"}, env.Details)
}

func TestHandle_PanicLogCarriesRequestID(t *testing.T) {
	f := &fakeFetcher{fn: func(string, airtable.Query) ([]airtable.Record, error) {
		panic("boom")
	}}
	var out bytes.Buffer
	h := NewHandler(&HandlerConfig{Config: testConfig("http://unused"), Fetcher: f, Logger: zerolog.New(&out)})

	ctx := logger.WithRequestID(context.Background(), "req-42")
	env := h.Handle(ctx, []byte(`{"field":"email","value":"a@b.co"}`))
	requireError(t, env, models.CodeQuery, msgLookupQuery)

	assert.Contains(t, out.String(), `"request_id":"req-42"`)
	assert.Contains(t, out.String(), "Recovered from panic")
}

func TestHandlerEntryPoints(t *testing.T) {
	f := &fakeFetcher{}
	h := NewHandler(&HandlerConfig{Config: testConfig("http://unused"), Fetcher: f, Logger: zerolog.Nop()})

	// Lookup ignores a mode key
	env := h.Lookup(context.Background(), []byte(`{"mode":"bootstrap","field":"email","value":"a@b.co"}`))
	require.True(t, env.IsOK())
	assert.IsType(t, models.LookupMeta{}, env.Meta)

	// Sync requires one
	env = h.Sync(context.Background(), []byte(`{"field":"email","value":"a@b.co"}`))
	requireError(t, env, models.CodeInput, msgInvalidMode)
}

func TestNewestTimestamp(t *testing.T) {
	records := []models.SimplifiedRecord{
		simplified("a", map[string]interface{}{"T": "2025-01-02T00:00:00Z"}),
		simplified("b", map[string]interface{}{"T": ""}),
		simplified("c", map[string]interface{}{"T": 42.0}),
		simplified("d", map[string]interface{}{"T": "2025-01-10T00:00:00Z"}),
		simplified("e", map[string]interface{}{}),
		simplified("f", map[string]interface{}{"T": "2025-1-9"}),
	}

	// Text order: "2025-1-9" sorts after "2025-01-10"
	assert.Equal(t, "2025-1-9", NewestTimestamp(records, "T", zerolog.Nop()))
	assert.Equal(t, "2025-01-10T00:00:00Z", NewestTimestamp(records[:5], "T", zerolog.Nop()))
	assert.Empty(t, NewestTimestamp(nil, "T", zerolog.Nop()))
}
