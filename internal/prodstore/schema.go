package prodstore

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The write boundary validates payload shape before the store touches disk.
// Schemas are compiled once per server.

const recordSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"category": {"type": "string"},
		"title": {"type": "string"},
		"skus": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"price": {"type": "string"},
					"stock": {"type": "integer", "minimum": 0}
				},
				"required": ["name"]
			}
		},
		"properties": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"collectedAt": {"type": "string"},
		"sourceUrl": {"type": "string"}
	}
}`

const observationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"oneOf": [
		{"$ref": "#/$defs/observation"},
		{
			"type": "array",
			"items": {"$ref": "#/$defs/observation"},
			"minItems": 1
		}
	],
	"$defs": {
		"observation": {
			"type": "object",
			"properties": {
				"timestamp": {
					"type": "string",
					"pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}$"
				},
				"metrics": {
					"type": "object",
					"additionalProperties": {"type": "number"},
					"minProperties": 1
				}
			},
			"required": ["timestamp", "metrics"]
		}
	}
}`

type PayloadSchemas struct {
	record      *jsonschema.Schema
	observation *jsonschema.Schema
}

func CompilePayloadSchemas() (*PayloadSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range map[string]string{
		"record.schema.json":      recordSchemaJSON,
		"observation.schema.json": observationSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	record, err := compiler.Compile("record.schema.json")
	if err != nil {
		return nil, err
	}
	observation, err := compiler.Compile("observation.schema.json")
	if err != nil {
		return nil, err
	}
	return &PayloadSchemas{record: record, observation: observation}, nil
}

// ValidateRecord checks a raw record payload against the record schema.
func (s *PayloadSchemas) ValidateRecord(raw []byte) error {
	return s.validate(s.record, raw)
}

// ValidateObservations accepts a single observation object or a non-empty
// array of them.
func (s *PayloadSchemas) ValidateObservations(raw []byte) error {
	return s.validate(s.observation, raw)
}

func (s *PayloadSchemas) validate(schema *jsonschema.Schema, raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
