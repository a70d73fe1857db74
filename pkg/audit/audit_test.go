package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pstryder/ledger/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventAccess, "login", "/api/v1/auth", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var evt audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &evt))
	assert.Equal(t, audit.EventAccess, evt.Type)
	assert.Equal(t, "login", evt.Action)
	assert.Equal(t, "/api/v1/auth", evt.Resource)
}

func TestLogger_Record_WithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]interface{}{"receipt_id": "01HXYZ", "phase": "complete"}
	err := logger.Record(context.Background(), audit.EventMutation, "receipt.append", "/api/v1/receipts", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))
	var evt audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &evt))
	assert.Equal(t, "01HXYZ", evt.Metadata["receipt_id"])
}
