// Package airtabletest provides an in-process fake of the Airtable
// list-records endpoint.
package airtabletest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BasePath is the path prefix mimicking the public API version segment
const BasePath = "/v0"

// Record mirrors the wire shape of an Airtable record
type Record struct {
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime string                 `json:"createdTime"`
}

// Request is a captured page request
type Request struct {
	BaseID        string
	Table         string
	Query         url.Values
	Authorization string
}

// Responder returns the full result set for a query. The server paginates it.
type Responder func(query url.Values) []Record

type failure struct {
	afterPages int
	status     int
	body       string
}

// Server is a fake Airtable API
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	records    map[string][]Record
	responders map[string]Responder
	failures   map[string]failure
	requests   []Request
	delay      time.Duration
	malformed  map[string]bool

	// Gzip compresses responses when the client accepts it
	Gzip bool
}

// NewServer starts a fake server that is closed when the test ends
func NewServer(t testing.TB) *Server {
	s := &Server{
		records:    make(map[string][]Record),
		responders: make(map[string]Responder),
		failures:   make(map[string]failure),
		malformed:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the value to configure as airtable.base_url
func (s *Server) BaseURL() string { return s.URL + BasePath }

// SetRecords stores records served for table when no responder is set
func (s *Server) SetRecords(table string, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[table] = records
}

// SetResponder overrides how results are selected for table
func (s *Server) SetResponder(table string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[table] = r
}

// FailAfter makes requests for table fail with status once afterPages pages were served
func (s *Server) FailAfter(table string, afterPages, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[table] = failure{afterPages: afterPages, status: status, body: body}
}

// Malformed makes table answer with a body that is not JSON
func (s *Server) Malformed(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed[table] = true
}

// SetDelay delays every response
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests returns captured requests for table, or all requests when table is empty
func (s *Server) Requests(table string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if table == "" || r.Table == table {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.EscapedPath(), BasePath+"/"), "/", 2)
	if len(parts) != 2 || r.Method != http.MethodGet {
		writeJSON(w, r, false, http.StatusNotFound, map[string]interface{}{"error": "NOT_FOUND"})
		return
	}
	baseID, _ := url.PathUnescape(parts[0])
	table, _ := url.PathUnescape(parts[1])

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		BaseID:        baseID,
		Table:         table,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
	})
	served := 0
	for _, req := range s.requests[:len(s.requests)-1] {
		if req.Table == table {
			served++
		}
	}
	fail, failing := s.failures[table]
	malformed := s.malformed[table]
	delay := s.delay
	responder := s.responders[table]
	records := s.records[table]
	gz := s.Gzip
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failing && served >= fail.afterPages {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fail.status)
		_, _ = w.Write([]byte(fail.body))
		return
	}
	if malformed {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records": [`))
		return
	}

	query := r.URL.Query()
	if responder != nil {
		records = responder(query)
	}
	if n, err := strconv.Atoi(query.Get("maxRecords")); err == nil && n > 0 && n < len(records) {
		records = records[:n]
	}

	pageSize := 100
	if n, err := strconv.Atoi(query.Get("pageSize")); err == nil && n > 0 && n < pageSize {
		pageSize = n
	}

	start := 0
	if offset := query.Get("offset"); offset != "" {
		n, err := parseOffset(offset, table)
		if err != nil {
			writeJSON(w, r, gz, http.StatusUnprocessableEntity, map[string]interface{}{
				"error": map[string]string{"type": "LIST_RECORDS_ITERATOR_NOT_AVAILABLE", "message": err.Error()},
			})
			return
		}
		start = n
	}
	if start > len(records) {
		start = len(records)
	}
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}

	resp := map[string]interface{}{"records": records[start:end]}
	if end < len(records) {
		resp["offset"] = fmt.Sprintf("itr%d/%s", end, table)
	}
	if records[start:end] == nil {
		resp["records"] = []Record{}
	}
	writeJSON(w, r, gz, http.StatusOK, resp)
}

func parseOffset(offset, table string) (int, error) {
	prefix, suffix, ok := strings.Cut(strings.TrimPrefix(offset, "itr"), "/")
	if !ok || suffix != table {
		return 0, fmt.Errorf("invalid offset %q", offset)
	}
	return strconv.Atoi(prefix)
}

func writeJSON(w http.ResponseWriter, r *http.Request, gz bool, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if gz && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(body)
		_ = zw.Close()
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// MakeRecords builds n records with sequential ids in table order
func MakeRecords(prefix string, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			ID:          fmt.Sprintf("%s%05d", prefix, i),
			Fields:      map[string]interface{}{"Seq": i},
			CreatedTime: "2024-01-01T00:00:00.000Z",
		}
	}
	return records
}
