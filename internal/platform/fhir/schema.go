package fhir

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const containerSchemaURL = "https://bundlesync.local/schema/container.json"

// containerSchema describes the minimum shape the pipeline relies on: an
// object with an entry array whose resources name their resourceType.
const containerSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entry"],
  "properties": {
    "resourceType": {"const": "Bundle"},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "resource": {
            "type": "object",
            "required": ["resourceType"],
            "properties": {
              "resourceType": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

// ContainerValidator checks raw documents against the container schema
// before they are parsed.
type ContainerValidator struct {
	schema *jsonschema.Schema
}

// NewContainerValidator compiles the container schema.
func NewContainerValidator() (*ContainerValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(containerSchema))
	if err != nil {
		return nil, fmt.Errorf("decode container schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(containerSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add container schema: %w", err)
	}
	sch, err := c.Compile(containerSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile container schema: %w", err)
	}
	return &ContainerValidator{schema: sch}, nil
}

// Validate returns an error wrapping ErrInvalidContainer when data does not
// match the schema. Malformed JSON is reported as a decode error.
func (v *ContainerValidator) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	return nil
}
