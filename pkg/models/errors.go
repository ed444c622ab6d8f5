package models

import "errors"

// Sentinel errors for the trigger subsystem, named after the error kinds in
// the error-handling design rather than their concrete Go types.
var (
	ErrTriggerNotFound      = errors.New("trigger not found")
	ErrInvalidTriggerConfig = errors.New("invalid trigger configuration")
	ErrTriggerDisabled      = errors.New("trigger is disabled")
	ErrWebhookAuthFailure   = errors.New("webhook authentication failed")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrNoMatchingTrigger    = errors.New("no enabled trigger matches request")
	ErrManagerStopped       = errors.New("trigger manager is stopped")
	ErrNoOccurrenceInWindow = errors.New("no occurrence found within search window")
)

// ValidationError represents a single field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors represents multiple validation errors collected from a
// config validator; an empty slice means the config is valid.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Error()
}

// WebhookErrorKind distinguishes the soft/hard outcomes the dispatcher maps
// onto HTTP-shaped responses (§4.5, §7).
type WebhookErrorKind string

const (
	WebhookErrorAuth       WebhookErrorKind = "auth_failure"
	WebhookErrorRateLimit  WebhookErrorKind = "rate_limited"
	WebhookErrorValidation WebhookErrorKind = "validation_failure"
	WebhookErrorInternal   WebhookErrorKind = "internal_error"
)

// WebhookError carries the kind and the HTTP status the dispatcher's caller
// should report for it, mirroring the teacher's AuthError/WorkflowError
// role of pairing a machine-readable kind with a human message.
type WebhookError struct {
	Kind    WebhookErrorKind
	Status  int
	Message string
	Err     error
}

func (e *WebhookError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *WebhookError) Unwrap() error {
	return e.Err
}

// FireError wraps a downstream onFire failure of a manual fire (§7's
// FireFailure kind), as returned by Manager.Fire.
type FireError struct {
	TriggerID string
	Err       error
}

func (e *FireError) Error() string {
	return "trigger " + e.TriggerID + " fire failed: " + e.Err.Error()
}

func (e *FireError) Unwrap() error {
	return e.Err
}
