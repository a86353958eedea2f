package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldType is the logical type of an output field.
type FieldType string

const (
	FieldTypeString  FieldType = "STRING"
	FieldTypeBoolean FieldType = "BOOLEAN"
	FieldTypeInt     FieldType = "INT"
	FieldTypeLong    FieldType = "LONG"
	FieldTypeFloat   FieldType = "FLOAT"
	FieldTypeDouble  FieldType = "DOUBLE"
	// FieldTypeAny leaves decoded values untouched.
	FieldTypeAny FieldType = "ANY"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Nullable bool      `yaml:"nullable"`
}

// Contract is a named, typed set of output fields selected by a source's type tag.
type Contract struct {
	Name   string
	Fields []Field
}

// NormalizeType maps loose spellings onto a FieldType. Unknown spellings return false.
func NormalizeType(raw string) (FieldType, bool) {
	s := strings.TrimSpace(strings.ToUpper(raw))
	switch s {
	case "", "ANY":
		return FieldTypeAny, true
	case "STRING", "STR", "TEXT":
		return FieldTypeString, true
	case "BOOLEAN", "BOOL":
		return FieldTypeBoolean, true
	case "INT", "INT32", "INTEGER":
		return FieldTypeInt, true
	case "LONG", "INT64", "BIGINT":
		return FieldTypeLong, true
	case "FLOAT", "FLOAT32", "REAL":
		return FieldTypeFloat, true
	case "DOUBLE", "FLOAT64":
		return FieldTypeDouble, true
	default:
		return "", false
	}
}

// Field returns the field with the given name.
func (c Contract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks field names are unique and types known.
func (c Contract) Validate() error {
	seen := make(map[string]struct{}, len(c.Fields))
	for i, f := range c.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("schema %q: field %d has no name", c.Name, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %q: duplicate field %q", c.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, ok := NormalizeType(string(f.Type)); !ok {
			return fmt.Errorf("schema %q: field %q has unknown type %q", c.Name, f.Name, f.Type)
		}
	}
	return nil
}

// CoercionError reports a value that cannot be represented as a field's type.
type CoercionError struct {
	Field string
	Type  FieldType
	Value any
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("field %q: cannot coerce %T(%v) to %s", e.Field, e.Value, e.Value, e.Type)
}

// Coerce converts a decoded JSON scalar into the Go type backing f.Type:
// STRING -> string, BOOLEAN -> bool, INT -> int32, LONG -> int64, FLOAT -> float32,
// DOUBLE -> float64. nil is accepted only for nullable fields.
func (f Field) Coerce(v any) (any, error) {
	if v == nil {
		if f.Nullable {
			return nil, nil
		}
		return nil, &CoercionError{Field: f.Name, Type: f.Type, Value: v}
	}
	t, ok := NormalizeType(string(f.Type))
	if !ok {
		return nil, &CoercionError{Field: f.Name, Type: f.Type, Value: v}
	}
	fail := func() (any, error) { return nil, &CoercionError{Field: f.Name, Type: t, Value: v} }

	switch t {
	case FieldTypeAny:
		return v, nil
	case FieldTypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case bool:
			return strconv.FormatBool(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case json.Number:
			return x.String(), nil
		}
		return fail()
	case FieldTypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return fail()
			}
			return b, nil
		}
		return fail()
	case FieldTypeInt, FieldTypeLong:
		i, ok := toInt64(v)
		if !ok {
			return fail()
		}
		if t == FieldTypeInt {
			if i < math.MinInt32 || i > math.MaxInt32 {
				return fail()
			}
			return int32(i), nil
		}
		return i, nil
	case FieldTypeFloat, FieldTypeDouble:
		d, ok := toFloat64(v)
		if !ok {
			return fail()
		}
		if t == FieldTypeFloat {
			return float32(d), nil
		}
		return d, nil
	}
	return fail()
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
