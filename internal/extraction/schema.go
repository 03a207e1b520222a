package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidSchema = errors.New("invalid extraction schema")

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeArray   FieldType = "array"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field is one declared output value. Schemas are data; nothing in them is
// evaluated.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	// Items is the element type of an array field. Defaults to string.
	Items FieldType `yaml:"items,omitempty" json:"items,omitempty"`
}

type Schema struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

func (s Schema) Check() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	seen := map[string]struct{}{}
	for i, f := range s.Fields {
		name := strings.TrimSpace(f.Name)
		if !fieldNamePattern.MatchString(name) {
			return fmt.Errorf("%w: field %d has invalid name %q", ErrInvalidSchema, i, f.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, name)
		}
		seen[name] = struct{}{}
		if !knownType(f.Type) {
			return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, name, f.Type)
		}
		if f.Type == TypeArray && f.Items != "" && (f.Items == TypeArray || !knownType(f.Items)) {
			return fmt.Errorf("%w: field %q has unsupported item type %q", ErrInvalidSchema, name, f.Items)
		}
		if len(f.Enum) > 0 && f.Type != TypeString {
			return fmt.Errorf("%w: enum is only allowed on string field %q", ErrInvalidSchema, name)
		}
	}
	return nil
}

func knownType(t FieldType) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate, TypeArray:
		return true
	}
	return false
}

// Field returns the declared field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// JSONSchema renders the field list as a draft 2020-12 object schema.
func (s Schema) JSONSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, f := range s.Fields {
		properties[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch f.Type {
	case TypeDate:
		out = map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}`}
	case TypeArray:
		items := f.Items
		if items == "" {
			items = TypeString
		}
		out = map[string]any{"type": "array", "items": fieldSchema(Field{Type: items})}
	default:
		out = map[string]any{"type": string(f.Type)}
	}
	if !f.Required && f.Type != TypeArray {
		out["type"] = []any{out["type"], "null"}
	}
	if len(f.Enum) > 0 {
		enum := make([]any, 0, len(f.Enum)+1)
		for _, v := range f.Enum {
			enum = append(enum, v)
		}
		if !f.Required {
			enum = append(enum, nil)
		}
		out["enum"] = enum
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}

// Validator checks extraction output against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
	doc    map[string]any
}

// Compile checks the field list and compiles its JSON Schema.
func (s Schema) Compile() (*Validator, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	doc := s.JSONSchema()
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	const location = "receiptflow://extraction/schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Validator{schema: compiled, doc: doc}, nil
}

// Document is the JSON Schema the validator enforces.
func (v *Validator) Document() map[string]any {
	return v.doc
}

// Validate parses raw JSON and checks it. The decoded object is returned with
// numbers as float64.
func (v *Validator) Validate(raw []byte) (map[string]any, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Reason: "malformed JSON", Err: err}
	}
	if err := v.schema.Validate(instance); err != nil {
		return nil, &ValidationError{Reason: "schema violation", Err: err}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ValidationError{Reason: "result is not an object", Err: err}
	}
	return out, nil
}
