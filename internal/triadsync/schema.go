package triadsync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Gateway dispatch payloads are validated before they become origin
// signals; a malformed payload is dropped, never applied.
const scheduledEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "guild_id", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "guild_id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": ["string", "null"]},
    "scheduled_start_time": {"type": ["string", "null"]},
    "scheduled_end_time": {"type": ["string", "null"]},
    "creator_id": {"type": ["string", "null"]},
    "entity_metadata": {
      "type": ["object", "null"],
      "properties": {
        "location": {"type": ["string", "null"]}
      }
    }
  }
}`

func compileScheduledEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scheduledEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse dispatch schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("scheduled_event.json", doc); err != nil {
		return nil, fmt.Errorf("register dispatch schema: %w", err)
	}
	schema, err := compiler.Compile("scheduled_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile dispatch schema: %w", err)
	}
	return schema, nil
}

func validateScheduledEventPayload(schema *jsonschema.Schema, raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
