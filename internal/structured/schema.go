package structured

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/semantrix/aigateway/internal/models"
)

// Schema is the subset of JSON Schema the adapter understands: typed
// properties, required fields and array items.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

var schemaTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// ParseSchema reads a schema from its decoded JSON form. The root must be an object.
func ParseSchema(raw map[string]any) (*Schema, error) {
	if len(raw) == 0 {
		return nil, models.NewValidationError("schema", "schema is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, models.NewValidationError("schema", err.Error())
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, models.NewValidationError("schema", err.Error())
	}
	if s.Type == "" && len(s.Properties) > 0 {
		s.Type = "object"
	}
	if s.Type != "object" {
		return nil, models.NewValidationError("schema", "root type must be object")
	}
	if err := s.check("schema"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) check(path string) error {
	if s.Type != "" && !schemaTypes[s.Type] {
		return models.NewValidationError(path, fmt.Sprintf("unsupported type %q", s.Type))
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return models.NewValidationError(path, fmt.Sprintf("required field %q is not a property", name))
		}
	}
	for name, prop := range s.Properties {
		if prop == nil {
			return models.NewValidationError(path+"."+name, "property has no schema")
		}
		if err := prop.check(path + "." + name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		return s.Items.check(path + "[]")
	}
	return nil
}

// SchemaError reports a value that does not conform to a schema.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Reason)
}

func (e *SchemaError) Is(target error) bool {
	return target == models.ErrSchemaValidation
}

// Validate checks v, as produced by encoding/json, against the schema.
func (s *Schema) Validate(v any) error {
	return s.validate("$", v)
}

func (s *Schema) validate(path string, v any) error {
	switch s.Type {
	case "":
		return nil
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return &SchemaError{Path: path, Reason: "expected object"}
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return &SchemaError{Path: path + "." + name, Reason: "required field missing"}
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, ok := obj[name]
			if !ok || val == nil {
				continue
			}
			if err := s.Properties[name].validate(path+"."+name, val); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return &SchemaError{Path: path, Reason: "expected array"}
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case "string":
		if _, ok := v.(string); !ok {
			return &SchemaError{Path: path, Reason: "expected string"}
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return &SchemaError{Path: path, Reason: "expected number"}
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return &SchemaError{Path: path, Reason: "expected integer"}
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return &SchemaError{Path: path, Reason: "expected boolean"}
		}
	}
	return nil
}

// Fallback builds the value returned when generation cannot be parsed:
// every required string field holds raw.
func (s *Schema) Fallback(raw string) map[string]any {
	value := make(map[string]any)
	for _, name := range s.Required {
		if prop := s.Properties[name]; prop != nil && prop.Type == "string" {
			value[name] = raw
		}
	}
	return value
}

// String renders the schema as compact JSON for prompts.
func (s *Schema) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}
