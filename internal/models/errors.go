package models

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure categories a pipeline run can surface.
// Soft errors are recorded on the progress bus and in the aggregated
// context; only hard errors reach the caller as a PipelineError.
type ErrorKind string

const (
	KindCancelled ErrorKind = "cancelled"
	KindTimeout   ErrorKind = "timeout"
	KindUpstream  ErrorKind = "upstream"
	KindContract  ErrorKind = "contract"
	KindBudget    ErrorKind = "budget"
	KindInternal  ErrorKind = "internal"
)

// PipelineError is the single error type crossing the Controller boundary.
type PipelineError struct {
	Kind      ErrorKind
	Stage     Stage
	Component string
	Detail    string
	Cause     error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s(%s)", e.Kind, e.Component)
	if e.Stage != "" {
		msg += " at " + string(e.Stage)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewError builds a PipelineError for the given kind and component.
func NewError(kind ErrorKind, stage Stage, component, detail string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Component: component, Detail: detail, Cause: cause}
}

// KindOf extracts the ErrorKind of err, or KindInternal when err is not a
// PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Sentinel errors for well-known conditions.
var (
	// ErrBusy is returned by the registry when an agent's concurrency cap
	// stayed saturated past the caller's deadline.
	ErrBusy = errors.New("agent busy: concurrency cap saturated")

	// ErrSynthesisFailed marks a stream failure before any text was emitted.
	ErrSynthesisFailed = errors.New("synthesis failed before first chunk")

	// ErrMinViablePrompt marks a budget below the minimum viable prompt
	// even after all overflow strategies.
	ErrMinViablePrompt = errors.New("token budget below minimum viable prompt")
)
