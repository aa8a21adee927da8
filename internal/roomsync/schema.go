package roomsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// offlineRecordSchema is the persistence contract for offline records. Hosts
// exchanging queue snapshots across app versions validate against it before
// accepting foreign data. The payload is opaque to the queue and may be any
// JSON value.
const offlineRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "entityType", "entityId", "payload", "lastModified", "enqueuedAt", "syncStatus"],
	"properties": {
		"schemaVersion": {"const": 1},
		"entityType": {"type": "string", "minLength": 1},
		"entityId": {"type": "string", "minLength": 1},
		"payload": true,
		"lastModified": {"type": "string", "format": "date-time"},
		"enqueuedAt": {"type": "string", "format": "date-time"},
		"syncStatus": {"enum": ["pending", "synced", "conflict", "failed"]},
		"attempts": {"type": "integer", "minimum": 0},
		"nextRetryAt": {"type": "string"}
	},
	"additionalProperties": false
}`

const offlineRecordSchemaURL = "roomsync://schema/offline-record.json"

// RecordValidator checks serialized offline records against the versioned
// persistence schema.
type RecordValidator struct {
	schema *jsonschema.Schema
}

func NewRecordValidator() (*RecordValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(offlineRecordSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(offlineRecordSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(offlineRecordSchemaURL)
	if err != nil {
		return nil, err
	}
	return &RecordValidator{schema: schema}, nil
}

// ValidateRaw validates a serialized record. Schema violations are reported
// as ErrSchemaMismatch with the validator detail attached.
func (v *RecordValidator) ValidateRaw(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}

// Validate validates an in-memory record by round-tripping it through its
// wire form.
func (v *RecordValidator) Validate(rec OfflineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.ValidateRaw(data)
}
