package lookup

import (
	"testing"

	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		message string
		reason  bool
	}{
		{"empty", "", msgMissingPayload, false},
		{"whitespace", "   ", msgInvalidJSON, true},
		{"truncated", `{"field":`, msgInvalidJSON, true},
		{"array", `["email"]`, msgInvalidJSON, true},
		{"string", `"email"`, msgInvalidJSON, true},
		{"trailing data", `{"a":1} {"b":2}`, msgInvalidJSON, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodePayload([]byte(tt.raw))
			require.NotNil(t, err)
			assert.Equal(t, models.CodeInput, err.Code)
			assert.Equal(t, tt.message, err.Message)
			if tt.reason {
				assert.NotEmpty(t, err.Details["reason"])
			} else {
				assert.Nil(t, err.Details)
			}
		})
	}

	payload, err := decodePayload([]byte(`{"field":"email","value":"a@b.co"}`))
	require.Nil(t, err)
	assert.Equal(t, "email", payload["field"])
}

func TestIsSyncPayload(t *testing.T) {
	assert.True(t, isSyncPayload(map[string]interface{}{"mode": "bootstrap"}))
	assert.True(t, isSyncPayload(map[string]interface{}{"mode": nil}))
	assert.False(t, isSyncPayload(map[string]interface{}{"field": "email"}))
}

func TestParseLookup(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantField string
		wantValue string
		wantErr   bool
	}{
		{"value", `{"field":"email","value":"  a@b.co "}`, "email", "a@b.co", false},
		{"key fallback", `{"field":"orderId","key":"1042"}`, "orderId", "1042", false},
		{"empty value falls back to key", `{"field":"phone","value":"","key":"972501"}`, "phone", "972501", false},
		{"numeric value", `{"field":"phone","value":972501234567}`, "phone", "972501234567", false},
		{"blank value", `{"field":"email","value":"   "}`, "", "", true},
		{"missing value", `{"field":"email"}`, "", "", true},
		{"null value and key", `{"field":"email","value":null,"key":null}`, "", "", true},
		{"missing field still parses", `{"value":"x"}`, "", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, derr := decodePayload([]byte(tt.raw))
			require.Nil(t, derr)

			field, value, err := parseLookup(payload)
			if tt.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, msgEmptyValue, err.Message)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tt.wantField, field)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestParseSync(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SyncRequest
		message string
	}{
		{"bootstrap", `{"mode":"bootstrap","view_id":"viw1"}`, SyncRequest{Mode: ModeBootstrap, ViewID: "viw1"}, ""},
		{"mode is lowercased", `{"mode":"Incremental","view_id":"viw1","after_timestamp":"2025-01-01T00:00:00Z"}`,
			SyncRequest{Mode: ModeIncremental, ViewID: "viw1", AfterTimestamp: "2025-01-01T00:00:00Z"}, ""},
		{"bootstrap ignores after_timestamp", `{"mode":"bootstrap","view_id":"viw1","after_timestamp":"x"}`, SyncRequest{Mode: ModeBootstrap, ViewID: "viw1"}, ""},
		{"bad mode", `{"mode":"full","view_id":"viw1"}`, SyncRequest{}, msgInvalidMode},
		{"null mode", `{"mode":null,"view_id":"viw1"}`, SyncRequest{}, msgInvalidMode},
		{"mode checked before view", `{"mode":"full"}`, SyncRequest{}, msgInvalidMode},
		{"missing view", `{"mode":"bootstrap"}`, SyncRequest{}, msgViewRequired},
		{"view checked before timestamp", `{"mode":"incremental"}`, SyncRequest{}, msgViewRequired},
		{"missing timestamp", `{"mode":"incremental","view_id":"v1"}`, SyncRequest{}, msgAfterRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, derr := decodePayload([]byte(tt.raw))
			require.Nil(t, derr)

			req, err := parseSync(payload)
			if tt.message != "" {
				require.NotNil(t, err)
				assert.Equal(t, models.CodeInput, err.Code)
				assert.Equal(t, tt.message, err.Message)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestNormaliseField(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"email", "Email", true},
		{" EMAIL ", "Email", true},
		{"orderId", "ID", true},
		{"order_id", "ID", true},
		{"ORDERID", "ID", true},
		{"phone", "Phone", true},
		{"Phone", "Phone", true},
		{"name", "", false},
		{"", "", false},
		{"order-id", "", false},
	}

	for _, tt := range tests {
		got, ok := NormaliseField(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStringValue(t *testing.T) {
	payload, err := decodePayload([]byte(`{"s":"x","n":12.50,"i":972501234567,"b":true,"o":{"a":1},"z":null}`))
	require.Nil(t, err)

	assert.Equal(t, "x", stringValue(payload["s"]))
	assert.Equal(t, "12.50", stringValue(payload["n"]))
	assert.Equal(t, "972501234567", stringValue(payload["i"]))
	assert.Equal(t, "true", stringValue(payload["b"]))
	assert.Equal(t, `{"a":1}`, stringValue(payload["o"]))
	assert.Equal(t, "", stringValue(payload["z"]))
	assert.Equal(t, "", stringValue(payload["missing"]))
}
