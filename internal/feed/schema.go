package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Envelope schema for change-feed events. Rows intentionally allow additional
// properties so older clients tolerate columns they do not know about.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "table", "room_id", "row"],
	"properties": {
		"type": {"enum": ["insert", "update", "delete"]},
		"table": {"enum": ["rooms", "room_participants", "messages"]},
		"room_id": {"type": "string", "minLength": 1},
		"row": {"type": "object"},
		"source": {"type": "string"},
		"sent_at": {"type": "string"}
	}
}`

type envelopeValidator struct {
	schema *jsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", bytes.NewReader([]byte(eventSchemaJSON))); err != nil {
		return nil, fmt.Errorf("failed to load event schema: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	return &envelopeValidator{schema: schema}, nil
}

// validate checks the raw payload against the envelope schema before any
// decoding into typed events. Malformed payloads are rejected here so the
// reducer never sees them.
func (v *envelopeValidator) validate(data []byte) error {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("event envelope rejected: %w", err)
	}
	return nil
}
