package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidInput marks a payload that does not conform to a definition schema.
var ErrInvalidInput = errors.New("invalid input")

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldAny     FieldType = "any"
)

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Schema describes a flat task payload. A closed schema rejects fields it does
// not declare.
type Schema struct {
	Fields []Field `json:"fields,omitempty"`
	Closed bool    `json:"closed,omitempty"`
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SchemaError lists every field of a payload that violates its schema.
type SchemaError struct {
	Problems []Problem
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Check validates payload against the schema and reports all violations.
func (s Schema) Check(payload map[string]any) error {
	var problems []Problem
	for _, f := range s.Fields {
		v, ok := payload[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, Problem{Field: f.Name, Message: "is required"})
			}
			continue
		}
		if !matchesType(f.Type, v) {
			problems = append(problems, Problem{Field: f.Name, Message: fmt.Sprintf("must be %s", f.Type)})
		}
	}
	if s.Closed {
		var unknown []string
		for k := range payload {
			if _, ok := s.Field(k); !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			problems = append(problems, Problem{Field: k, Message: "is not declared"})
		}
	}
	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

func validFieldType(t FieldType) bool {
	switch t {
	case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray, FieldAny:
		return true
	default:
		return false
	}
}

func matchesType(t FieldType, v any) bool {
	switch t {
	case FieldAny, "":
		return true
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBoolean:
		_, ok := v.(bool)
		return ok
	case FieldNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
			return true
		}
		return false
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case FieldArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}
