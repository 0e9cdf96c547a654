package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema is the subset of JSON Schema used to describe payloads and
// inbound request bodies.
type JSONSchema struct {
	Schema      string               `json:"$schema,omitempty"`
	Type        string               `json:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Property represents a JSON Schema property.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Default     any                  `json:"default,omitempty"`
	Format      string               `json:"format,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	MaxLength   *int                 `json:"maxLength,omitempty"`
	Pattern     string               `json:"pattern,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// ValidateJSON checks a raw JSON document against the schema and joins every
// violation into one error.
func (s *JSONSchema) ValidateJSON(document []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(s), gojsonschema.NewBytesLoader(document))
	if err != nil {
		return err
	}

	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(violations, "; "))
	}

	return nil
}

func stringProp(description string) *Property {
	minLength := 1

	return &Property{Type: "string", Description: description, MinLength: &minLength}
}

func optionalStringProp(description string) *Property {
	return &Property{Type: "string", Description: description}
}

func objectSchema(title string, properties map[string]*Property, required ...string) *JSONSchema {
	return &JSONSchema{
		Schema:     "http://json-schema.org/draft-07/schema#",
		Type:       "object",
		Title:      title,
		Properties: properties,
		Required:   required,
	}
}
