package sdk

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema is a minimal structural descriptor for tool parameters, the
// subset of JSON Schema the wire actually carries: type, properties,
// required, items and enum. Validation runs before a tool handler does,
// so handlers never see payloads of the wrong shape.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
}

// ValidationError reports the first constraint a payload violated,
// with a dotted path to the offending field.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid params: " + e.Message
	}
	return fmt.Sprintf("invalid params at %s: %s", e.Path, e.Message)
}

// Validate checks value against the schema. A nil schema accepts
// anything.
func (s *Schema) Validate(value any) error {
	if s == nil {
		return nil
	}
	return s.validate(value, "")
}

func (s *Schema) validate(value any, path string) error {
	if s.Type != "" {
		if err := checkType(s.Type, value, path); err != nil {
			return err
		}
	}
	if len(s.Enum) > 0 {
		ok := false
		for _, allowed := range s.Enum {
			if reflect.DeepEqual(allowed, value) {
				ok = true
				break
			}
		}
		if !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("value %v not in enum", value)}
		}
	}
	if obj, ok := value.(map[string]any); ok {
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return &ValidationError{Path: join(path, name), Message: "required field missing"}
			}
		}
		for name, sub := range s.Properties {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := sub.validate(v, join(path, name)); err != nil {
				return err
			}
		}
	}
	if arr, ok := value.([]any); ok && s.Items != nil {
		for i, v := range arr {
			if err := s.Items.validate(v, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkType(want string, value any, path string) error {
	var ok bool
	switch want {
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "number":
		ok = isNumber(value)
	case "integer":
		if f, isFloat := value.(float64); isFloat {
			ok = f == float64(int64(f))
		} else {
			ok = isInt(value)
		}
	case "null":
		ok = value == nil
	default:
		// Unknown type names are not enforceable; let them pass.
		ok = true
	}
	if !ok {
		return &ValidationError{Path: path, Message: fmt.Sprintf("expected %s, got %T", want, value)}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return strings.Join([]string{path, field}, ".")
}
