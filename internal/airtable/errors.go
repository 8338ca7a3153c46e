package airtable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownStrategy is returned when the configured executor strategy is not recognised
	ErrUnknownStrategy = errors.New("unknown query executor strategy")

	// ErrStrategyUnavailable is returned when an explicitly requested executor
	// cannot serve this environment
	ErrStrategyUnavailable = errors.New("query executor strategy unavailable")

	// errCorruptBody marks a response whose body could not be decompressed
	errCorruptBody = errors.New("corrupt response body")
)

// ErrorKind classifies a failed fetch
type ErrorKind int

const (
	KindTransport ErrorKind = iota // Network failure, timeout, open circuit
	KindStatus                     // Non-2xx response
	KindDecode                     // Malformed response body
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError aborts a paginated fetch. Records gathered before the failure are
// discarded; FetchedSoFar reports how many there were.
type FetchError struct {
	Kind         ErrorKind
	Table        string
	StatusCode   int
	FetchedSoFar int
	Err          error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("airtable returned status %d: %v", e.StatusCode, e.Err)
	case KindDecode:
		return fmt.Sprintf("failed to decode airtable response: %v", e.Err)
	default:
		return fmt.Sprintf("airtable request failed: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsDecode reports whether err is a malformed-response failure
func IsDecode(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindDecode
}

// FetchedSoFar returns the record count carried by a FetchError, or 0
func FetchedSoFar(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.FetchedSoFar
	}
	return 0
}

// statusMessage extracts the message from an Airtable error body.
// The API answers either {"error":"NOT_FOUND"} or {"error":{"type":..,"message":..}}.
func statusMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil {
			return s
		}
		var detail struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Type != "" {
			if detail.Message == "" {
				return detail.Type
			}
			return detail.Type + ": " + detail.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		msg = "empty response body"
	}
	return msg
}
