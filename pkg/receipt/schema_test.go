package receipt_test

import (
	"testing"

	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStructure_RejectsMissingRequiredFields(t *testing.T) {
	err := receipt.ValidateStructure([]byte(`{"phase":"accepted"}`))
	require.Error(t, err)
}

func TestValidateStructure_RejectsUnknownPhase(t *testing.T) {
	payload := []byte(`{
		"task_id":"T-1","from_principal":"a","for_principal":"a",
		"source_system":"gw","recipient_ai":"b","task_type":"research",
		"task_summary":"x","phase":"bogus"
	}`)
	err := receipt.ValidateStructure(payload)
	require.Error(t, err)
}

func TestValidateStructure_AcceptsWellFormedPayload(t *testing.T) {
	payload := []byte(`{
		"task_id":"T-1","from_principal":"a","for_principal":"a",
		"source_system":"gw","recipient_ai":"b","task_type":"research",
		"task_summary":"x","phase":"accepted"
	}`)
	assert.NoError(t, receipt.ValidateStructure(payload))
}

func TestValidateStructure_RejectsMalformedJSON(t *testing.T) {
	err := receipt.ValidateStructure([]byte(`{not json`))
	require.Error(t, err)
}

func TestValidateStructure_RejectsNegativeAttempt(t *testing.T) {
	payload := []byte(`{
		"task_id":"T-1","from_principal":"a","for_principal":"a",
		"source_system":"gw","recipient_ai":"b","task_type":"research",
		"task_summary":"x","phase":"accepted","attempt":-1
	}`)
	assert.Error(t, receipt.ValidateStructure(payload))
}
