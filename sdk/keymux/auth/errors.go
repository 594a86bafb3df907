package auth

import (
	"fmt"
	"time"
)

// Error is the structured error carried through selection and execution.
type Error struct {
	// Code is a stable machine-readable identifier.
	Code string `json:"code,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Retryable hints whether the failure may clear on retry.
	Retryable bool `json:"retryable,omitempty"`
	// HTTPStatus is the upstream status code when one was observed.
	HTTPStatus int `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StatusCode returns the associated HTTP status, zero when unknown.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// Stable error codes used by the selection core.
const (
	CodeNoUsableAccount = "no_usable_account"
	CodeNoHubMapping    = "model_not_mapped"
	CodeAdapterNotFound = "adapter_not_found"
)

// NoUsableAccountError reports that every candidate for a model was filtered
// out. ResetIn carries the earliest known rate-limit/cooldown relief so
// callers can decide whether parking is worthwhile.
type NoUsableAccountError struct {
	Model   string
	ResetIn time.Duration
}

// Error implements the error interface.
func (e *NoUsableAccountError) Error() string {
	if e.ResetIn > 0 {
		return fmt.Sprintf("no usable account for model %q (earliest reset in %s)", e.Model, e.ResetIn)
	}
	return fmt.Sprintf("no usable account for model %q", e.Model)
}
