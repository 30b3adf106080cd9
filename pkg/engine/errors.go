package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an analysis error for recovery decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates unusable input: missing columns, wrong
	// column types, conflicting role assignments.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassDegenerate indicates data that is structurally fine but
	// statistically unusable: too few observations, zero variance.
	// Engines usually convert these into empty outputs rather than failures.
	ErrorClassDegenerate ErrorClass = "degenerate"

	// ErrorClassResource indicates a failure in an injected dependency such
	// as the result store.
	ErrorClassResource ErrorClass = "resource"

	// ErrorClassExternal indicates a failure in an outward collaborator such
	// as the narrative provider.
	ErrorClassExternal ErrorClass = "external"
)

// AnalysisError is a classified error with engine and column context.
type AnalysisError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Engine names the engine that produced the error, if any.
	Engine string `json:"engine,omitempty"`

	// Column names the dataset column involved, if any.
	Column string `json:"column,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	switch {
	case e.Engine != "" && e.Column != "":
		return fmt.Sprintf("[%s] %s (engine=%s, column=%s)%s",
			e.Class, e.Message, e.Engine, e.Column, e.unwrapSuffix())
	case e.Engine != "":
		return fmt.Sprintf("[%s] %s (engine=%s)%s", e.Class, e.Message, e.Engine, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

func (e *AnalysisError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two AnalysisErrors match when
// their class and code match.
func (e *AnalysisError) Is(target error) bool {
	t, ok := target.(*AnalysisError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string, err error) *AnalysisError {
	return &AnalysisError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewDegenerateError creates a degenerate-data error.
func NewDegenerateError(message string, err error) *AnalysisError {
	return &AnalysisError{Class: ErrorClassDegenerate, Message: message, Err: err}
}

// NewResourceError creates a resource-class error.
func NewResourceError(message string, err error) *AnalysisError {
	return &AnalysisError{Class: ErrorClassResource, Message: message, Err: err}
}

// NewExternalError creates an external-collaborator error.
func NewExternalError(message string, err error) *AnalysisError {
	return &AnalysisError{Class: ErrorClassExternal, Message: message, Err: err}
}

// WithEngine adds engine context to an error.
func (e *AnalysisError) WithEngine(name string) *AnalysisError {
	e.Engine = name
	return e
}

// WithColumn adds column context to an error.
func (e *AnalysisError) WithColumn(name string) *AnalysisError {
	e.Column = name
	return e
}

// WithCode adds an error code to an error.
func (e *AnalysisError) WithCode(code string) *AnalysisError {
	e.Code = code
	return e
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsDegenerate returns true if the error is classified as degenerate data.
func IsDegenerate(err error) bool {
	return hasClass(err, ErrorClassDegenerate)
}

// IsResource returns true if the error is classified as a resource error.
func IsResource(err error) bool {
	return hasClass(err, ErrorClassResource)
}

// IsExternal returns true if the error is classified as external.
func IsExternal(err error) bool {
	return hasClass(err, ErrorClassExternal)
}

func hasClass(err error, class ErrorClass) bool {
	var e *AnalysisError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeMissingColumn   = "MISSING_COLUMN"
	ErrCodeWrongType       = "WRONG_COLUMN_TYPE"
	ErrCodeRoleConflict    = "ROLE_CONFLICT"
	ErrCodeTooFewSamples   = "TOO_FEW_SAMPLES"
	ErrCodeZeroVariance    = "ZERO_VARIANCE"
	ErrCodeStoreFailed     = "STORE_FAILED"
	ErrCodeNarrativeFailed = "NARRATIVE_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
