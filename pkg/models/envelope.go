package models

import "encoding/json"

// Envelope status values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes reported in the envelope "code" field
const (
	CodeInput         = "INPUT_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeAPI           = "API_ERROR"
	CodeQuery         = "QUERY_ERROR"
	CodeClient        = "CLIENT_ERROR"
	CodeImport        = "AIRTABLE_IMPORT_ERROR"
)

// SimplifiedRecord is the caller-facing shape of a single Airtable row.
// Transport metadata beyond id, fields and createdTime is dropped.
type SimplifiedRecord struct {
	ID          string                        `json:"id"`
	Fields      map[string]interface{}        `json:"fields"`
	CreatedTime string                        `json:"createdTime"`
	Expanded    map[string][]SimplifiedRecord `json:"expanded,omitempty"`
}

// Envelope is the single document emitted per invocation.
// On success Matches and Meta are set, on error Error, Code and optionally Details.
type Envelope struct {
	Status  string
	Matches []SimplifiedRecord
	Meta    interface{}
	Error   string
	Code    string
	Details interface{}
}

type okWire struct {
	Status  string             `json:"status"`
	Matches []SimplifiedRecord `json:"matches"`
	Meta    interface{}        `json:"meta"`
}

type errorWire struct {
	Status  string      `json:"status"`
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// Wire returns the value actually serialized for the envelope's status.
// Success and error envelopes carry disjoint key sets.
func (e *Envelope) Wire() interface{} {
	if e.Status == StatusError {
		return errorWire{Status: e.Status, Error: e.Error, Code: e.Code, Details: e.Details}
	}
	matches := e.Matches
	if matches == nil {
		matches = []SimplifiedRecord{}
	}
	return okWire{Status: e.Status, Matches: matches, Meta: e.Meta}
}

// MarshalJSON implements json.Marshaler
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// IsOK reports whether the envelope is a success envelope
func (e *Envelope) IsOK() bool {
	return e.Status == StatusOK
}

// LookupMeta is the metadata block of a point lookup
type LookupMeta struct {
	ExecutionMs      int64  `json:"execution_ms"`
	TotalMatches     int    `json:"total_matches"`
	Expanded         bool   `json:"expanded"`
	UsedPhoneVariant bool   `json:"used_phone_variant,omitempty"`
	VariantUsed      string `json:"variant_used,omitempty"`
}

// SyncMeta is the metadata block of a bootstrap or incremental sync
type SyncMeta struct {
	ExecutionMs              int64  `json:"execution_ms"`
	Mode                     string `json:"mode"`
	TotalRecords             int    `json:"total_records"`
	ViewID                   string `json:"view_id"`
	AfterTimestamp           string `json:"after_timestamp,omitempty"`
	NewestCompletedTimestamp string `json:"newest_completed_timestamp,omitempty"`
}

// OK builds a success envelope. A nil match list is emitted as an empty array.
func OK(matches []SimplifiedRecord, meta interface{}) *Envelope {
	return &Envelope{
		Status:  StatusOK,
		Matches: matches,
		Meta:    meta,
	}
}

// Fail builds an error envelope
func Fail(message, code string, details interface{}) *Envelope {
	return &Envelope{
		Status:  StatusError,
		Error:   message,
		Code:    code,
		Details: details,
	}
}
