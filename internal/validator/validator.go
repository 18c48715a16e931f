// Package validator implements spec §4.7: per-field schema checks against
// a dynamic field list, plus cross-source reconciliation by agreement
// ratio.
//
// Grounded on fairyhunter13/ai-cv-evaluator's use of
// github.com/go-playground/validator/v10 (a package-level
// `validator.New()` singleton, tag strings built per field). Since the
// schema here is a runtime field list rather than a static Go struct, per-
// field checks are issued through `Validate.Var(value, tag)` — the
// library's single-value validation entry point — instead of `Struct`.
package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldType is the declared coercion target for a schema field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDateTime FieldType = "datetime"
	TypeURL      FieldType = "url"
	TypeEmail    FieldType = "email"
)

// FieldSchema declares the constraints for one record field, per spec
// §4.7: presence, type, length/range, regex, enum membership.
type FieldSchema struct {
	Name           string
	Type           FieldType
	Required       bool
	MinLength      *int
	MaxLength      *int
	Min            *float64
	Max            *float64
	Regex          string
	Enum           []string
	DateTimeLayout string // defaults to time.RFC3339 if empty
}

// Schema is a declared, dynamic field list for one record shape.
type Schema struct {
	Fields []FieldSchema
	Strict bool // unknown fields rejected rather than preserved
}

// Record is an arbitrary field-name-to-value map, the shape produced by
// the reference Fetcher/Sink adapters after parsing a page.
type Record map[string]interface{}

// Verdict mirrors coordinator.Verdict without importing it, so this
// package has no dependency on the coordinator package; callers that need
// coordinator.Verdict convert with string(v).
type Verdict string

const (
	Valid      Verdict = "valid"
	Suspicious Verdict = "suspicious"
	Invalid    Verdict = "invalid"
)

// Validator checks records against a Schema and reconciles records from
// multiple sources. It never panics or returns an error from Check/
// CrossCheck — failures are surfaced as verdicts with reasons, per spec
// §4.7's "never throws" requirement.
type Validator struct {
	v         *validator.Validate
	tolerance float64
}

// New constructs a Validator.
func New() *Validator {
	return &Validator{v: validator.New()}
}

// Check validates record against schema and returns a verdict with
// reasons. Any presence/type/constraint violation makes the record
// invalid — there is no single-record "suspicious" outcome; suspicion is
// reserved for CrossCheck's agreement-ratio bucketing (spec §4.7).
func (val *Validator) Check(schema Schema, record Record) (Verdict, []string) {
	var reasons []string

	declared := make(map[string]struct{}, len(schema.Fields))
	for _, f := range schema.Fields {
		declared[f.Name] = struct{}{}
		raw, present := record[f.Name]

		if !present || raw == nil {
			if f.Required {
				reasons = append(reasons, fmt.Sprintf("%s: required field missing", f.Name))
			}
			continue
		}

		if r := val.checkField(f, raw); r != "" {
			reasons = append(reasons, r)
		}
	}

	if schema.Strict {
		for name := range record {
			if _, ok := declared[name]; !ok {
				reasons = append(reasons, fmt.Sprintf("%s: unknown field rejected in strict mode", name))
			}
		}
	}

	if len(reasons) == 0 {
		return Valid, nil
	}
	return Invalid, reasons
}

// checkField coerces raw into f.Type and runs the declared constraints
// against it, returning a single human-readable reason or "" if the
// field is clean.
func (val *Validator) checkField(f FieldSchema, raw interface{}) string {
	str, ok := coerceToString(f.Type, raw)
	if !ok {
		return fmt.Sprintf("%s: value %v does not coerce to %s", f.Name, raw, f.Type)
	}

	var tags []string
	switch f.Type {
	case TypeEmail:
		tags = append(tags, "email")
	case TypeURL:
		tags = append(tags, "url")
	case TypeDateTime:
		layout := f.DateTimeLayout
		if layout == "" {
			layout = time.RFC3339
		}
		if _, err := time.Parse(layout, str); err != nil {
			return fmt.Sprintf("%s: not a valid datetime (%s)", f.Name, layout)
		}
	}

	if f.MinLength != nil {
		tags = append(tags, fmt.Sprintf("min=%d", *f.MinLength))
	}
	if f.MaxLength != nil {
		tags = append(tags, fmt.Sprintf("max=%d", *f.MaxLength))
	}
	if f.Type == TypeInteger || f.Type == TypeFloat {
		if f.Min != nil {
			tags = append(tags, fmt.Sprintf("gte=%v", *f.Min))
		}
		if f.Max != nil {
			tags = append(tags, fmt.Sprintf("lte=%v", *f.Max))
		}
	}

	var value interface{} = str
	switch f.Type {
	case TypeInteger:
		n, _ := strconv.ParseInt(str, 10, 64)
		value = n
	case TypeFloat:
		n, _ := strconv.ParseFloat(str, 64)
		value = n
	}

	if len(tags) > 0 {
		tag := strings.Join(tags, ",")
		if err := val.v.Var(value, tag); err != nil {
			return fmt.Sprintf("%s: %s", f.Name, err.Error())
		}
	}

	if f.Regex != "" {
		if err := val.v.Var(str, "regexp="+f.Regex); err != nil {
			return fmt.Sprintf("%s: does not match pattern %s", f.Name, f.Regex)
		}
	}

	if len(f.Enum) > 0 {
		oneof := strings.Join(f.Enum, " ")
		if err := val.v.Var(str, "oneof="+oneof); err != nil {
			return fmt.Sprintf("%s: value %q not in allowed set %v", f.Name, str, f.Enum)
		}
	}

	return ""
}

func coerceToString(t FieldType, raw interface{}) (string, bool) {
	switch t {
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return strconv.FormatBool(v), true
		case string:
			if _, err := strconv.ParseBool(v); err == nil {
				return v, true
			}
		}
		return "", false
	case TypeInteger:
		switch v := raw.(type) {
		case int:
			return strconv.Itoa(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10), true
			}
			return "", false
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				return v, true
			}
		}
		return "", false
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case int:
			return strconv.Itoa(v), true
		case string:
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				return v, true
			}
		}
		return "", false
	default:
		switch v := raw.(type) {
		case string:
			return v, true
		case fmt.Stringer:
			return v.String(), true
		default:
			return fmt.Sprintf("%v", v), true
		}
	}
}
