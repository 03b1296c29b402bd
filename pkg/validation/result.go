// Package validation checks flow change requests against the current state
// of the network before an operation is allowed to start.
package validation

import (
	"strings"

	"github.com/plaenen/flowhs/pkg/orchestration"
)

// Code represents the type of validation result
type Code string

const (
	CodeSuccess       Code = "success"
	CodeRequired      Code = "required"
	CodeInvalid       Code = "invalid"
	CodeNotFound      Code = "not_found"
	CodeAlreadyExists Code = "already_exists"
)

// Option customises a Result.
type Option func(*Result)

// Result is the outcome of checking one field.
type Result struct {
	IsValid bool   `json:"is_valid"`
	Field   string `json:"field_name"`
	Value   string `json:"value"`
	Message string `json:"message"`
	Code    Code   `json:"validation_code"`
}

// WithValue sets the offending value for display
func WithValue(value string) Option {
	return func(r *Result) {
		r.Value = value
	}
}

// WithMessage sets the validation message
func WithMessage(message string) Option {
	return func(r *Result) {
		r.Message = message
	}
}

// WithCode sets the validation code
func WithCode(code Code) Option {
	return func(r *Result) {
		r.Code = code
	}
}

// NewResult creates a Result.
func NewResult(isValid bool, field string, opts ...Option) *Result {
	r := &Result{IsValid: isValid, Field: field, Code: CodeSuccess}
	if !isValid {
		r.Code = CodeInvalid
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func valid(field string) *Result {
	return NewResult(true, field)
}

// Results collects field results of one request.
type Results []*Result

// Add appends results, skipping nil ones.
func (rs *Results) Add(results ...*Result) {
	for _, r := range results {
		if r != nil {
			*rs = append(*rs, r)
		}
	}
}

// HasErrors reports whether any result is invalid.
func (rs Results) HasErrors() bool {
	for _, r := range rs {
		if !r.IsValid {
			return true
		}
	}
	return false
}

// Failures returns the invalid results.
func (rs Results) Failures() Results {
	var out Results
	for _, r := range rs {
		if !r.IsValid {
			out = append(out, r)
		}
	}
	return out
}

// Err converts the failures into an orchestration validation error, or nil.
// The error type follows the first failure.
func (rs Results) Err() error {
	failures := rs.Failures()
	if len(failures) == 0 {
		return nil
	}

	messages := make([]string, len(failures))
	for i, r := range failures {
		messages[i] = r.Message
	}
	return &orchestration.ValidationError{
		Type:    errorType(failures[0].Code),
		Message: strings.Join(messages, "; "),
	}
}

func errorType(code Code) orchestration.ErrorType {
	switch code {
	case CodeNotFound:
		return orchestration.ErrorTypeNotFound
	case CodeAlreadyExists:
		return orchestration.ErrorTypeAlreadyExists
	case CodeRequired:
		return orchestration.ErrorTypeRequestInvalid
	default:
		return orchestration.ErrorTypeDataInvalid
	}
}

// ToUserFriendlyName converts snake_case field names to user-friendly names
// Examples: "receiver_port" -> "Receiver port"
func ToUserFriendlyName(field string) string {
	if field == "" {
		return field
	}
	words := strings.Split(field, "_")
	for i, word := range words {
		word = strings.ToLower(word)
		if i == 0 && word != "" {
			word = strings.ToUpper(word[:1]) + word[1:]
		}
		words[i] = word
	}
	return strings.Join(words, " ")
}
