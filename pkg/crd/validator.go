// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crd

import (
	"fmt"
	"math"
	"net"
	"net/mail"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/mastra-ai/runtime/pkg/errors"
)

// Validator checks values against an OpenAPI-v3-derived schema, compiled at
// CRD registration time. Supported keywords cover the subset custom
// resources use in practice: primitive constraints, arrays, objects with
// dependencies, and the oneOf/anyOf/allOf combinators. "$ref" is accepted
// but opaque: a schema containing it passes any value.
type Validator struct {
	schema map[string]any
}

// NewValidator compiles a schema. The only structural requirement enforced
// here is that the root is an object-shaped map; keyword errors surface at
// validation time with a path.
func NewValidator(schema map[string]any) (*Validator, error) {
	if schema == nil {
		return nil, &errors.ValidationError{
			Field:   "validation.openAPIV3Schema",
			Message: "schema must be an object",
		}
	}
	return &Validator{schema: schema}, nil
}

// Validate checks data against the compiled schema. The returned error,
// when non-nil, carries the JSON path of the first violation.
func (v *Validator) Validate(data any) error {
	return validateSchema(v.schema, data, "$")
}

func validateSchema(schema map[string]any, data any, path string) error {
	// $ref is opaque: any value passes.
	if _, ok := schema["$ref"]; ok {
		return nil
	}

	if err := validateCombinators(schema, data, path); err != nil {
		return err
	}

	if enum, ok := schema["enum"].([]any); ok {
		if err := validateEnum(enum, data, path); err != nil {
			return err
		}
	}
	if konst, ok := schema["const"]; ok {
		if !looseEqual(konst, data) {
			return violation(path, fmt.Sprintf("must equal %v", konst))
		}
	}

	schemaType, _ := schema["type"].(string)
	if schemaType == "" {
		// Untyped schemas constrain only via keywords already checked.
		return validateObjectKeywords(schema, data, path)
	}

	switch schemaType {
	case "string":
		return validateString(schema, data, path)
	case "integer":
		return validateNumber(schema, data, path, true)
	case "number":
		return validateNumber(schema, data, path, false)
	case "boolean":
		if _, ok := data.(bool); !ok {
			return violation(path, fmt.Sprintf("expected boolean, got %s", typeName(data)))
		}
		return nil
	case "null":
		if data != nil {
			return violation(path, fmt.Sprintf("expected null, got %s", typeName(data)))
		}
		return nil
	case "array":
		return validateArray(schema, data, path)
	case "object":
		return validateObject(schema, data, path)
	default:
		return violation(path, fmt.Sprintf("schema declares unknown type %q", schemaType))
	}
}

func validateCombinators(schema map[string]any, data any, path string) error {
	if all, ok := schema["allOf"].([]any); ok {
		for i, sub := range all {
			subSchema, ok := sub.(map[string]any)
			if !ok {
				return violation(path, fmt.Sprintf("allOf[%d] is not a schema", i))
			}
			if err := validateSchema(subSchema, data, path); err != nil {
				return err
			}
		}
	}

	if anyOf, ok := schema["anyOf"].([]any); ok {
		matched := false
		for _, sub := range anyOf {
			subSchema, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			if validateSchema(subSchema, data, path) == nil {
				matched = true
				break
			}
		}
		if !matched {
			return violation(path, "does not match any schema in anyOf")
		}
	}

	if one, ok := schema["oneOf"].([]any); ok {
		matches := 0
		for _, sub := range one {
			subSchema, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			if validateSchema(subSchema, data, path) == nil {
				matches++
			}
		}
		if matches != 1 {
			return violation(path, fmt.Sprintf("matches %d schemas in oneOf, want exactly 1", matches))
		}
	}

	return nil
}

func validateEnum(enum []any, data any, path string) error {
	for _, allowed := range enum {
		if looseEqual(allowed, data) {
			return nil
		}
	}
	parts := make([]string, 0, len(enum))
	for _, allowed := range enum {
		parts = append(parts, fmt.Sprintf("%v", allowed))
	}
	return violation(path, fmt.Sprintf("value %v is not one of [%s]", data, strings.Join(parts, ", ")))
}

func validateString(schema map[string]any, data any, path string) error {
	str, ok := data.(string)
	if !ok {
		return violation(path, fmt.Sprintf("expected string, got %s", typeName(data)))
	}

	if min, ok := intKeyword(schema, "minLength"); ok && len(str) < min {
		return violation(path, fmt.Sprintf("length %d is below minLength %d", len(str), min))
	}
	if max, ok := intKeyword(schema, "maxLength"); ok && len(str) > max {
		return violation(path, fmt.Sprintf("length %d exceeds maxLength %d", len(str), max))
	}
	if pattern, ok := schema["pattern"].(string); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return violation(path, fmt.Sprintf("schema pattern %q does not compile", pattern))
		}
		if !re.MatchString(str) {
			return violation(path, fmt.Sprintf("%q does not match pattern %q", str, pattern))
		}
	}
	if format, ok := schema["format"].(string); ok {
		if err := validateFormat(format, str, path); err != nil {
			return err
		}
	}
	return nil
}

func validateFormat(format, str, path string) error {
	switch format {
	case "date-time":
		if _, err := time.Parse(time.RFC3339, str); err != nil {
			return violation(path, fmt.Sprintf("%q is not a valid date-time", str))
		}
	case "date":
		if _, err := time.Parse("2006-01-02", str); err != nil {
			return violation(path, fmt.Sprintf("%q is not a valid date", str))
		}
	case "time":
		if _, err := time.Parse("15:04:05", str); err != nil {
			return violation(path, fmt.Sprintf("%q is not a valid time", str))
		}
	case "email":
		if _, err := mail.ParseAddress(str); err != nil {
			return violation(path, fmt.Sprintf("%q is not a valid email", str))
		}
	case "uri":
		u, err := url.Parse(str)
		if err != nil || u.Scheme == "" {
			return violation(path, fmt.Sprintf("%q is not a valid uri", str))
		}
	case "uuid":
		if !uuidPattern.MatchString(str) {
			return violation(path, fmt.Sprintf("%q is not a valid uuid", str))
		}
	case "hostname":
		if !hostnamePattern.MatchString(str) {
			return violation(path, fmt.Sprintf("%q is not a valid hostname", str))
		}
	case "ipv4":
		ip := net.ParseIP(str)
		if ip == nil || ip.To4() == nil {
			return violation(path, fmt.Sprintf("%q is not a valid ipv4 address", str))
		}
	case "ipv6":
		ip := net.ParseIP(str)
		if ip == nil || ip.To4() != nil {
			return violation(path, fmt.Sprintf("%q is not a valid ipv6 address", str))
		}
	default:
		// Unknown formats are annotations, not constraints.
	}
	return nil
}

var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)
)

func validateNumber(schema map[string]any, data any, path string, integer bool) error {
	num, ok := toFloat(data)
	if !ok {
		want := "number"
		if integer {
			want = "integer"
		}
		return violation(path, fmt.Sprintf("expected %s, got %s", want, typeName(data)))
	}
	if integer && num != math.Trunc(num) {
		return violation(path, fmt.Sprintf("expected integer, got %v", data))
	}

	if min, ok := floatKeyword(schema, "minimum"); ok {
		exclusive, _ := schema["exclusiveMinimum"].(bool)
		if exclusive && num <= min {
			return violation(path, fmt.Sprintf("%v must be greater than %v", num, min))
		}
		if !exclusive && num < min {
			return violation(path, fmt.Sprintf("%v is below minimum %v", num, min))
		}
	}
	if max, ok := floatKeyword(schema, "maximum"); ok {
		exclusive, _ := schema["exclusiveMaximum"].(bool)
		if exclusive && num >= max {
			return violation(path, fmt.Sprintf("%v must be less than %v", num, max))
		}
		if !exclusive && num > max {
			return violation(path, fmt.Sprintf("%v exceeds maximum %v", num, max))
		}
	}
	// Numeric exclusive* (draft 2020 style) also appear in the wild.
	if em, ok := floatKeyword(schema, "exclusiveMinimum"); ok {
		if _, isBool := schema["exclusiveMinimum"].(bool); !isBool && num <= em {
			return violation(path, fmt.Sprintf("%v must be greater than %v", num, em))
		}
	}
	if em, ok := floatKeyword(schema, "exclusiveMaximum"); ok {
		if _, isBool := schema["exclusiveMaximum"].(bool); !isBool && num >= em {
			return violation(path, fmt.Sprintf("%v must be less than %v", num, em))
		}
	}

	if multiple, ok := floatKeyword(schema, "multipleOf"); ok && multiple != 0 {
		ratio := num / multiple
		if math.Abs(ratio-math.Round(ratio)) > 1e-9 {
			return violation(path, fmt.Sprintf("%v is not a multiple of %v", num, multiple))
		}
	}
	return nil
}

func validateArray(schema map[string]any, data any, path string) error {
	arr, ok := data.([]any)
	if !ok {
		return violation(path, fmt.Sprintf("expected array, got %s", typeName(data)))
	}

	if min, ok := intKeyword(schema, "minItems"); ok && len(arr) < min {
		return violation(path, fmt.Sprintf("%d items is below minItems %d", len(arr), min))
	}
	if max, ok := intKeyword(schema, "maxItems"); ok && len(arr) > max {
		return violation(path, fmt.Sprintf("%d items exceeds maxItems %d", len(arr), max))
	}
	if unique, _ := schema["uniqueItems"].(bool); unique {
		for i := 0; i < len(arr); i++ {
			for j := i + 1; j < len(arr); j++ {
				if reflect.DeepEqual(arr[i], arr[j]) {
					return violation(path, fmt.Sprintf("items %d and %d are duplicates", i, j))
				}
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			if err := validateSchema(items, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateObject(schema map[string]any, data any, path string) error {
	obj, ok := data.(map[string]any)
	if !ok {
		return violation(path, fmt.Sprintf("expected object, got %s", typeName(data)))
	}
	return validateObjectKeywords(schema, obj, path)
}

func validateObjectKeywords(schema map[string]any, data any, path string) error {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, raw := range required {
			name, _ := raw.(string)
			if _, present := obj[name]; !present {
				return violation(path, fmt.Sprintf("required property %q is missing", name))
			}
		}
	}

	if min, ok := intKeyword(schema, "minProperties"); ok && len(obj) < min {
		return violation(path, fmt.Sprintf("%d properties is below minProperties %d", len(obj), min))
	}
	if max, ok := intKeyword(schema, "maxProperties"); ok && len(obj) > max {
		return violation(path, fmt.Sprintf("%d properties exceeds maxProperties %d", len(obj), max))
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range obj {
		propSchema, declared := properties[name].(map[string]any)
		if declared {
			if err := validateSchema(propSchema, value, path+"."+name); err != nil {
				return err
			}
			continue
		}
		switch additional := schema["additionalProperties"].(type) {
		case bool:
			if !additional {
				return violation(path, fmt.Sprintf("property %q is not allowed", name))
			}
		case map[string]any:
			if err := validateSchema(additional, value, path+"."+name); err != nil {
				return err
			}
		}
	}

	if deps, ok := schema["dependencies"].(map[string]any); ok {
		if err := validateDependencies(deps, obj, path); err != nil {
			return err
		}
	}
	return nil
}

// validateDependencies handles both forms: a property list (if key present,
// the listed properties must also be present) and a schema (if key present,
// the whole object must match it).
func validateDependencies(deps map[string]any, obj map[string]any, path string) error {
	for trigger, dep := range deps {
		if _, present := obj[trigger]; !present {
			continue
		}
		switch d := dep.(type) {
		case []any:
			for _, raw := range d {
				name, _ := raw.(string)
				if _, ok := obj[name]; !ok {
					return violation(path, fmt.Sprintf("property %q requires property %q", trigger, name))
				}
			}
		case map[string]any:
			if err := validateSchema(d, obj, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func violation(path, message string) error {
	return &errors.ValidationError{Field: path, Message: message}
}

func typeName(data any) string {
	if data == nil {
		return "null"
	}
	switch data.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, float32, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", data)
	}
}

func toFloat(data any) (float64, bool) {
	switch v := data.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func intKeyword(schema map[string]any, key string) (int, bool) {
	f, ok := toFloat(schema[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func floatKeyword(schema map[string]any, key string) (float64, bool) {
	return toFloat(schema[key])
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}
