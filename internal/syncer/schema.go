package syncer

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const photoSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "maxLength": 1024},
    "data": {"type": "string"},
    "content_type": {"type": "string", "pattern": "^image/"}
  },
  "anyOf": [{"required": ["url"]}, {"required": ["data"]}]
}`

const coordinateProperties = `
    "lat": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
    "lng": {"type": ["number", "null"], "minimum": -180, "maximum": 180}`

var payloadSchemas = map[OperationType]string{
	OpStart: `{
  "type": "object",
  "properties": {` + coordinateProperties + `,
    "photo_before": ` + photoSchema + `
  }
}`,
	OpComplete: `{
  "type": "object",
  "properties": {` + coordinateProperties + `,
    "photo_after": ` + photoSchema + `
  }
}`,
	OpUpdateChecklist: `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "maxLength": 64},
          "title": {"type": "string"},
          "required": {"type": "boolean"},
          "done": {"type": "boolean"}
        }
      }
    }
  }
}`,
}

// Validator checks operation payloads against per-type JSON schemas.
type Validator struct {
	schemas map[OperationType]*gojsonschema.Schema
}

// NewValidator compiles the payload schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[OperationType]*gojsonschema.Schema, len(payloadSchemas))}
	for op, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s payload schema: %w", op, err)
		}
		v.schemas[op] = schema
	}
	return v, nil
}

// Validate returns a description of every schema violation, or nil.
func (v *Validator) Validate(op OperationType, payload []byte) error {
	schema, ok := v.schemas[op]
	if !ok {
		return fmt.Errorf("no schema for operation type %q", op)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
