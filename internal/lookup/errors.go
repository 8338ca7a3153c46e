package lookup

import (
	"errors"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/pkg/models"
)

// Messages shared with callers that match on them
const (
	msgMissingPayload     = "Missing input payload"
	msgInvalidJSON        = "Invalid JSON payload received"
	msgEmptyValue         = "Lookup value must not be empty"
	msgUnsupportedField   = "Unsupported lookup field. Expected 'email', 'orderId', or 'phone'."
	msgMissingCredentials = "Airtable credentials not configured. Ensure AIRTABLE_API_KEY, AIRTABLE_BASE_ID, and AIRTABLE_TABLE_ID are set."
	msgInvalidMode        = "Invalid mode. Expected 'bootstrap' or 'incremental'"
	msgViewRequired       = "view_id is required"
	msgAfterRequired      = "after_timestamp is required for incremental mode"
	msgLookupAPI          = "Failed to query Airtable API"
	msgLookupQuery        = "Unexpected error during Airtable query"
	msgClientUnavailable  = "Requested Airtable client strategy is unavailable"
	msgClientInit         = "Failed to initialise Airtable client"
)

// Error is a terminal failure of one invocation, already classified
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Envelope converts the error into the caller-facing document
func (e *Error) Envelope() *models.Envelope {
	var details interface{}
	if e.Details != nil {
		details = e.Details
	}
	return models.Fail(e.Message, e.Code, details)
}

func inputError(message string, details map[string]interface{}) *Error {
	return &Error{Code: models.CodeInput, Message: message, Details: details}
}

func reason(err error) map[string]interface{} {
	return map[string]interface{}{"reason": err.Error()}
}

// classifySetup maps credential and client construction failures
func classifySetup(err error) *Error {
	switch {
	case errors.Is(err, config.ErrMissingCredentials):
		return &Error{Code: models.CodeConfiguration, Message: msgMissingCredentials}
	case errors.Is(err, airtable.ErrStrategyUnavailable):
		return &Error{Code: models.CodeImport, Message: msgClientUnavailable, Details: reason(err)}
	default:
		return &Error{Code: models.CodeClient, Message: msgClientInit, Details: reason(err)}
	}
}

// classifyLookupFetch maps a failed point-lookup query
func classifyLookupFetch(err error) *Error {
	if airtable.IsDecode(err) {
		return &Error{Code: models.CodeQuery, Message: msgLookupQuery, Details: reason(err)}
	}
	return &Error{Code: models.CodeAPI, Message: msgLookupAPI, Details: reason(err)}
}

// classifySyncFetch maps a failed bootstrap or incremental walk
func classifySyncFetch(req SyncRequest, err error) *Error {
	details := map[string]interface{}{"fetched_so_far": airtable.FetchedSoFar(err)}
	if req.Mode == ModeIncremental {
		details["after_timestamp"] = req.AfterTimestamp
	} else {
		details["view_id"] = req.ViewID
	}

	decode := airtable.IsDecode(err)
	var message string
	switch {
	case req.Mode == ModeIncremental && decode:
		message = "Unexpected error during incremental fetch: " + err.Error()
	case req.Mode == ModeIncremental:
		message = "Failed to fetch recently completed records: " + err.Error()
	case decode:
		message = "Unexpected error during fetch: " + err.Error()
	default:
		message = "Failed to fetch records from view: " + err.Error()
	}

	code := models.CodeAPI
	if decode {
		code = models.CodeQuery
	}
	return &Error{Code: code, Message: message, Details: details}
}
