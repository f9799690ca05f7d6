// internal/diagnostic/diagnostic.go
package diagnostic

import "strings"

// Category classifies a diagnostic by the kind of problem PHPStan reported.
type Category string

const (
	CategoryTypeError       Category = "type_error"
	CategoryUndefinedSymbol Category = "undefined_symbol"
	CategoryMissingType     Category = "missing_type"
	CategoryNotFound        Category = "not_found"
	CategoryArgumentError   Category = "argument_error"
	CategoryOther           Category = "other"
)

// Diagnostic is a single static-analysis finding. Instances are created by the
// parser and are not mutated afterwards.
type Diagnostic struct {
	Message    string   `json:"message"`
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Category   Category `json:"error_type"`
	Code       string   `json:"error_code,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// typeErrorMessages are message fragments that force the type_error category
// regardless of the rule identifier. Checked before any code-based rule.
var typeErrorMessages = []string{
	"type has no value type specified",
	"has no typehint specified",
	"has no type specified",
}

// Classify maps a message and rule identifier to a Category. The rules form an
// ordered precedence list; the first match wins and every diagnostic receives
// a category (CategoryOther is the catch-all).
func Classify(message, code string) Category {
	for _, fragment := range typeErrorMessages {
		if strings.Contains(message, fragment) {
			return CategoryTypeError
		}
	}

	lowered := strings.ToLower(code)
	switch {
	case strings.Contains(lowered, "undefined"):
		return CategoryUndefinedSymbol
	case strings.Contains(lowered, "missing"):
		return CategoryMissingType
	case strings.Contains(lowered, "not.found") || strings.Contains(lowered, "notfound"):
		return CategoryNotFound
	case strings.Contains(lowered, "arguments"):
		return CategoryArgumentError
	case strings.Contains(lowered, "type"):
		return CategoryTypeError
	default:
		return CategoryOther
	}
}
