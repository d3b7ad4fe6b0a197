package devicemodel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PropertySchema builds a JSON Schema (draft 7) describing the writable
// properties of a model. Read-only properties are excluded so reported
// values can never be written back as desired ones.
func PropertySchema(props []Property) map[string]any {
	properties := make(map[string]any)
	for _, p := range props {
		if !p.IsWritable {
			continue
		}
		entry := map[string]any{"type": p.Type.JSONType()}
		if p.DisplayName != "" {
			entry["title"] = p.DisplayName
		}
		switch p.Type {
		case PropertyInteger:
			entry["minimum"] = -2147483648
			entry["maximum"] = 2147483647
		case PropertyFloat:
			entry["minimum"] = -3.4028234663852886e38
			entry["maximum"] = 3.4028234663852886e38
		}
		properties[p.Name] = entry
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
}

// ValidateValues checks values against the model's writable properties.
// The error lists every violation.
func ValidateValues(props []Property, values map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(PropertySchema(props)),
		gojsonschema.NewGoLoader(values),
	)
	if err != nil {
		return fmt.Errorf("evaluating property schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidValue, strings.Join(msgs, "; "))
}

// ConvertValue parses a string into the property's JSON type. Device
// configurations carry values as strings.
func ConvertValue(t PropertyType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case PropertyBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw)
		}
		return b, nil
	case PropertyInteger:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw)
		}
		return n, nil
	case PropertyLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a long", ErrInvalidValue, raw)
		}
		return n, nil
	case PropertyFloat:
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, raw)
		}
		return f, nil
	case PropertyDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a double", ErrInvalidValue, raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}
