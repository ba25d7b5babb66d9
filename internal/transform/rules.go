// Package transform converts raw records into validated feature rows.
package transform

import (
	"fmt"
	"strconv"
)

// FieldKind classifies how a field is coerced.
type FieldKind string

const (
	// KindNumeric coerces the field to float64; rows where the value
	// cannot be coerced are dropped.
	KindNumeric FieldKind = "numeric"

	// KindCategorical keeps the field as a string label.
	KindCategorical FieldKind = "categorical"

	// KindAuto coerces to numeric when the value parses as one and
	// falls back to categorical otherwise.
	KindAuto FieldKind = "auto"
)

// FieldRule describes validation and coercion for one field.
type FieldRule struct {
	// Field is the raw record field name.
	Field string `json:"field" yaml:"field"`

	// Kind selects the coercion. Defaults to auto.
	Kind FieldKind `json:"kind,omitempty" yaml:"kind"`

	// Required drops rows where the field is absent.
	Required bool `json:"required,omitempty" yaml:"required"`

	// Min and Max bound numeric values; out-of-range rows are dropped
	// unless CapOutliers is set.
	Min *float64 `json:"min,omitempty" yaml:"min"`
	Max *float64 `json:"max,omitempty" yaml:"max"`

	// CapOutliers clips numeric values to the Tukey fences
	// (Q1-1.5*IQR, Q3+1.5*IQR) computed over the batch instead of
	// dropping them.
	CapOutliers bool `json:"cap_outliers,omitempty" yaml:"cap_outliers"`

	// ForwardFill fills a missing numeric value with the most recent
	// value seen for the field earlier in the batch.
	ForwardFill bool `json:"forward_fill,omitempty" yaml:"forward_fill"`
}

// RuleSet is the full validation contract for one dataset.
type RuleSet struct {
	Fields []FieldRule `json:"fields" yaml:"fields"`

	// MaxDropRatio fails the whole batch when the dropped-row share
	// exceeds it.
	MaxDropRatio float64 `json:"max_drop_ratio" yaml:"max_drop_ratio"`
}

// DefaultRules builds a rule set that requires every listed field and
// auto-detects its kind.
func DefaultRules(fields []string, maxDropRatio float64) RuleSet {
	rules := RuleSet{MaxDropRatio: maxDropRatio}
	for _, f := range fields {
		rules.Fields = append(rules.Fields, FieldRule{
			Field:    f,
			Kind:     KindAuto,
			Required: true,
		})
	}
	return rules
}

// coerceNumeric converts a raw value to float64.
func coerceNumeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// coerceString converts a raw value to a categorical label.
func coerceString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
