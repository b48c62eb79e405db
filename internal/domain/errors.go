package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrDeliveryFailure     = errors.New("delivery failure")
	ErrAckTimeout          = errors.New("ack timeout")
	ErrUnresponsive        = errors.New("worker unresponsive")
	ErrVerificationFailure = errors.New("verification failure")
	ErrResourceConflict    = errors.New("resource conflict")
	ErrExternalUnavailable = errors.New("external service unavailable")
	ErrWaitQueueFull       = errors.New("wait queue full")
	ErrNotAssigned         = errors.New("task not assigned to worker")
)

// InvalidTransitionError names the rejected edge so callers can re-derive the next state
// from the current one.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ResourceConflictError reports a named resource held by another in-flight task.
type ResourceConflictError struct {
	Resource string
	Holder   string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("resource %s held by task %s", e.Resource, e.Holder)
}

func (e *ResourceConflictError) Unwrap() error { return ErrResourceConflict }

// FailureReport renders the terminal, user-visible failure line.
func FailureReport(taskID, reason string) string {
	return fmt.Sprintf("[FAILED] %s: %s", taskID, reason)
}
