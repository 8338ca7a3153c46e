package lookup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_EmptyInputsSkipRequest(t *testing.T) {
	f := &fakeFetcher{}
	r := NewResolver(f, 10, time.Second, zerolog.Nop())

	assert.Empty(t, r.Resolve(context.Background(), appsTable, nil))
	assert.Empty(t, r.Resolve(context.Background(), "", []string{"rec1"}))
	assert.Empty(t, f.Calls())
}

func TestResolver_SingleID(t *testing.T) {
	f := &fakeFetcher{fn: func(_ string, q airtable.Query) ([]airtable.Record, error) {
		return linkedRecords(q), nil
	}}
	r := NewResolver(f, 10, time.Second, zerolog.Nop())

	got := r.Resolve(context.Background(), appsTable, []string{"recA"})
	require.Len(t, got, 1)
	assert.Equal(t, "recA", got[0].ID)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, appsTable, calls[0].Table)
	assert.Equal(t, "RECORD_ID() = 'recA'", string(calls[0].Query.Formula))
	assert.Equal(t, 10, calls[0].Query.MaxRecords)
}

func TestResolver_TruncatesToFirstTen(t *testing.T) {
	for _, n := range []int{11, 25, 100} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("rec%03d", i)
			}

			f := &fakeFetcher{fn: func(_ string, q airtable.Query) ([]airtable.Record, error) {
				return linkedRecords(q), nil
			}}
			r := NewResolver(f, 10, time.Second, zerolog.Nop())

			got := r.Resolve(context.Background(), appsTable, ids)
			assert.Len(t, got, 10)

			calls := f.Calls()
			require.Len(t, calls, 1)
			requested := idsInFormula(string(calls[0].Query.Formula))
			assert.Equal(t, ids[:10], requested)
			for _, id := range ids[10:] {
				assert.NotContains(t, string(calls[0].Query.Formula), id)
			}
		})
	}
}

func TestResolver_FailureYieldsEmpty(t *testing.T) {
	f := &fakeFetcher{fn: func(string, airtable.Query) ([]airtable.Record, error) {
		return nil, &airtable.FetchError{Kind: airtable.KindStatus, StatusCode: 404, Err: errBoom}
	}}
	r := NewResolver(f, 10, time.Second, zerolog.Nop())

	assert.Empty(t, r.Resolve(context.Background(), appsTable, []string{"recA", "recB"}))
}

func TestResolver_PanicYieldsEmpty(t *testing.T) {
	f := &fakeFetcher{fn: func(string, airtable.Query) ([]airtable.Record, error) {
		panic("unexpected shape")
	}}
	r := NewResolver(f, 10, time.Second, zerolog.Nop())

	assert.NotPanics(t, func() {
		assert.Empty(t, r.Resolve(context.Background(), appsTable, []string{"recA"}))
	})
}

func TestResolver_Timeout(t *testing.T) {
	f := &fakeFetcher{delay: time.Second}
	r := NewResolver(f, 10, 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	assert.Empty(t, r.Resolve(context.Background(), appsTable, []string{"recA"}))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewResolver_Defaults(t *testing.T) {
	r := NewResolver(&fakeFetcher{}, 0, 0, zerolog.Nop())
	assert.Equal(t, config.MaxLinkedIDs, r.maxIDs)
	assert.Equal(t, defaultLinkedTimeout, r.timeout)
}

func TestResolver_MaxIDsCappedAtTen(t *testing.T) {
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec%03d", i)
	}
	f := &fakeFetcher{fn: func(_ string, q airtable.Query) ([]airtable.Record, error) {
		return linkedRecords(q), nil
	}}
	r := NewResolver(f, 50, time.Second, zerolog.Nop())

	got := r.Resolve(context.Background(), appsTable, ids)
	assert.Len(t, got, 10)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].Query.MaxRecords)
	assert.Equal(t, ids[:10], idsInFormula(string(calls[0].Query.Formula)))
}
