package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// receiptSchemaJSON is the JSON Schema structural contract for a receipt
// payload, checked before phase invariants run. It only encodes shape
// (types, enums, required fields) — phase-specific rules live in Validate.
const receiptSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ledger.internal/schema/receipt.v1.json",
  "type": "object",
  "required": ["task_id", "from_principal", "for_principal", "source_system", "recipient_ai", "phase", "task_type", "task_summary"],
  "properties": {
    "phase": {"enum": ["accepted", "complete", "escalate"]},
    "status": {"enum": ["NA", "success", "failure", "canceled"]},
    "outcome_kind": {"enum": ["NA", "none", "response_text", "artifact_pointer", "mixed"]},
    "expected_outcome_kind": {"enum": ["NA", "none", "response_text", "artifact_pointer", "mixed"]},
    "escalation_class": {"enum": ["NA", "owner", "capability", "trust", "policy", "scope", "other"]},
    "attempt": {"type": "integer", "minimum": 0},
    "artifact_size_bytes": {"type": "integer", "minimum": 0},
    "task_id": {"type": "string", "minLength": 1},
    "from_principal": {"type": "string", "minLength": 1},
    "for_principal": {"type": "string", "minLength": 1},
    "source_system": {"type": "string", "minLength": 1},
    "recipient_ai": {"type": "string", "minLength": 1},
    "task_type": {"type": "string", "minLength": 1},
    "task_summary": {"type": "string", "minLength": 1}
  }
}`

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaOnce sync.Once
	compiledSchemaErr  error
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("receipt.v1.json", strings.NewReader(receiptSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("receipt: compiling schema resource: %w", err)
			return
		}
		s, err := c.Compile("receipt.v1.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("receipt: compiling schema: %w", err)
			return
		}
		compiledSchema = s
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateStructure checks a raw JSON receipt payload against the
// structural schema, independent of phase invariants. Run this first on
// untrusted request bodies so malformed shapes fail with RCP-STRUCT
// codes before the phase-invariant pass ever sees them.
func ValidateStructure(raw []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}

	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return &ValidationError{Code: "RCP-STRUCT-000", Message: "invalid JSON: " + err.Error()}
	}

	if err := s.Validate(v); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			var errs ValidationErrors
			collectSchemaErrors(ve, &errs)
			if len(errs) > 0 {
				return errs
			}
		}
		return &ValidationError{Code: "RCP-STRUCT-999", Message: err.Error()}
	}
	return nil
}

func collectSchemaErrors(ve *jsonschema.ValidationError, out *ValidationErrors) {
	if ve.InstanceLocation != "" || ve.Message != "" {
		out.add("RCP-STRUCT-SCHEMA", ve.InstanceLocation, ve.Message)
	}
	for _, cause := range ve.Causes {
		collectSchemaErrors(cause, out)
	}
}
