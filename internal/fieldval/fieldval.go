// Package fieldval validates a single raw field value against its spec.
// Validation is a pure function of (spec, value, current run values); it
// coerces explicitly and rejects anything ambiguous instead of guessing.
package fieldval

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pvlab/internal/expr"
	"pvlab/internal/protocol"
)

// FieldError is the recoverable rejection of one value. The reason is always
// field-addressable so the caller can re-prompt precisely.
type FieldError struct {
	FieldID string
	Reason  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.FieldID, e.Reason)
}

func reject(fieldID, format string, args ...any) error {
	return &FieldError{FieldID: fieldID, Reason: fmt.Sprintf(format, args...)}
}

// Context holds the latest validated value per field id, used to resolve
// required_if guards.
type Context map[string]any

// Required reports whether the field must have a value given the current run
// values. A required_if guard whose referenced fields are absent keeps the
// field optional rather than erroring.
func Required(spec protocol.FieldSpec, ctx Context) bool {
	if spec.Required {
		return true
	}
	if spec.RequiredIf == "" {
		return false
	}
	cond, err := expr.Parse(spec.RequiredIf)
	if err != nil {
		return false
	}
	return cond.Eval(ctx)
}

// Visible reports whether the field should currently be collected.
func Visible(spec protocol.FieldSpec, ctx Context) bool {
	if spec.VisibleIf == "" {
		return true
	}
	cond, err := expr.Parse(spec.VisibleIf)
	if err != nil {
		return false
	}
	return cond.Eval(ctx)
}

// Validate coerces and checks one raw value. On success the returned value is
// canonical: float64 for numbers, bool for booleans, string otherwise.
func Validate(spec protocol.FieldSpec, raw any, ctx Context) (any, error) {
	if raw == nil {
		if Required(spec, ctx) {
			return nil, reject(spec.ID, "value required")
		}
		return nil, nil
	}
	switch spec.Kind {
	case protocol.FieldNumber:
		return validateNumber(spec, raw)
	case protocol.FieldBoolean:
		return validateBoolean(spec, raw)
	case protocol.FieldSelect:
		return validateSelect(spec, raw)
	case protocol.FieldDate:
		return validateDate(spec, raw)
	case protocol.FieldText:
		return validateText(spec, raw)
	case protocol.FieldFile:
		return validateFile(spec, raw)
	}
	return nil, reject(spec.ID, "unknown field kind %s", spec.Kind)
}

func validateNumber(spec protocol.FieldSpec, raw any) (any, error) {
	var v float64
	switch x := raw.(type) {
	case float64:
		v = x
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, reject(spec.ID, "%q is not a number", x)
		}
		v = parsed
	default:
		return nil, reject(spec.ID, "expected a number, got %T", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, reject(spec.ID, "value must be finite")
	}
	if spec.Min != nil && v < *spec.Min {
		return nil, reject(spec.ID, "%g below minimum %g", v, *spec.Min)
	}
	if spec.Max != nil && v > *spec.Max {
		return nil, reject(spec.ID, "%g above maximum %g", v, *spec.Max)
	}
	if spec.Increment != nil {
		base := 0.0
		if spec.Min != nil {
			base = *spec.Min
		}
		steps := (v - base) / *spec.Increment
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return nil, reject(spec.ID, "%g is not a multiple of increment %g", v, *spec.Increment)
		}
	}
	return v, nil
}

func validateBoolean(spec protocol.FieldSpec, raw any) (any, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, reject(spec.ID, "%q is not a boolean", x)
	}
	return nil, reject(spec.ID, "expected a boolean, got %T", raw)
}

func validateSelect(spec protocol.FieldSpec, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, reject(spec.ID, "expected one of the declared options, got %T", raw)
	}
	for _, opt := range spec.Options {
		if s == opt {
			return s, nil
		}
	}
	return nil, reject(spec.ID, "%q is not one of %s", s, strings.Join(spec.Options, ", "))
}

func validateDate(spec protocol.FieldSpec, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, reject(spec.ID, "expected a date string, got %T", raw)
	}
	s = strings.TrimSpace(s)
	var t time.Time
	var err error
	if t, err = time.Parse("2006-01-02", s); err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, reject(spec.ID, "%q is not a date", s)
		}
	}
	if spec.MinDate != "" {
		if min, perr := time.Parse("2006-01-02", spec.MinDate); perr == nil && t.Before(min) {
			return nil, reject(spec.ID, "date before minimum %s", spec.MinDate)
		}
	}
	if spec.MaxDate != "" {
		if max, perr := time.Parse("2006-01-02", spec.MaxDate); perr == nil && t.After(max.Add(24*time.Hour-time.Nanosecond)) {
			return nil, reject(spec.ID, "date after maximum %s", spec.MaxDate)
		}
	}
	return s, nil
}

func validateText(spec protocol.FieldSpec, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, reject(spec.ID, "expected text, got %T", raw)
	}
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, reject(spec.ID, "pattern does not compile: %v", err)
		}
		if !re.MatchString(s) {
			return nil, reject(spec.ID, "%q does not match pattern %s", s, spec.Pattern)
		}
	}
	return s, nil
}

func validateFile(spec protocol.FieldSpec, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, reject(spec.ID, "expected a non-empty file reference")
	}
	return s, nil
}
