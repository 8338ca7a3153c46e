package lookup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sync modes
const (
	ModeBootstrap   = "bootstrap"
	ModeIncremental = "incremental"
)

// LookupRequest is a validated point lookup. Field is the canonical column name.
type LookupRequest struct {
	Field string
	Value string
}

// SyncRequest is a validated bulk sync
type SyncRequest struct {
	Mode           string
	ViewID         string
	AfterTimestamp string
}

// decodePayload parses stdin into a JSON object
func decodePayload(raw []byte) (map[string]interface{}, *Error) {
	if len(raw) == 0 {
		return nil, inputError(msgMissingPayload, nil)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, inputError(msgInvalidJSON, reason(err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, inputError(msgInvalidJSON, reason(errors.New("unexpected data after top-level value")))
	}

	payload, ok := v.(map[string]interface{})
	if !ok {
		return nil, inputError(msgInvalidJSON, reason(fmt.Errorf("payload must be a JSON object, got %s", jsonKind(v))))
	}
	return payload, nil
}

// isSyncPayload reports whether the payload asks for a bulk sync
func isSyncPayload(payload map[string]interface{}) bool {
	_, ok := payload["mode"]
	return ok
}

// parseLookup extracts field and value. "key" is accepted when "value" is
// absent or empty. The field is normalised later, after credentials are checked.
func parseLookup(payload map[string]interface{}) (field, value string, err *Error) {
	field = stringValue(payload["field"])

	raw := payload["value"]
	if isEmpty(raw) {
		raw = payload["key"]
	}
	value = strings.TrimSpace(stringValue(raw))
	if value == "" {
		return "", "", inputError(msgEmptyValue, nil)
	}
	return field, value, nil
}

// parseSync validates mode, view_id and after_timestamp in that order
func parseSync(payload map[string]interface{}) (SyncRequest, *Error) {
	req := SyncRequest{
		Mode:           strings.ToLower(stringValue(payload["mode"])),
		ViewID:         stringValue(payload["view_id"]),
		AfterTimestamp: stringValue(payload["after_timestamp"]),
	}

	if req.Mode != ModeBootstrap && req.Mode != ModeIncremental {
		return req, inputError(msgInvalidMode, nil)
	}
	if req.ViewID == "" {
		return req, inputError(msgViewRequired, nil)
	}
	if req.Mode == ModeIncremental && req.AfterTimestamp == "" {
		return req, inputError(msgAfterRequired, nil)
	}
	if req.Mode == ModeBootstrap {
		req.AfterTimestamp = ""
	}
	return req, nil
}

// NormaliseField maps a caller field name to its column:
// email → Email, orderId/order_id → ID, phone → Phone.
func NormaliseField(field string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "email":
		return "Email", true
	case "orderid", "order_id":
		return "ID", true
	case "phone":
		return "Phone", true
	default:
		return "", false
	}
}

// stringValue renders a payload value as text. Null is empty.
func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// isEmpty follows the usual JSON falsiness: null, "", 0, false, [] and {}
func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case bool:
		return !t
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return "object"
	}
}
