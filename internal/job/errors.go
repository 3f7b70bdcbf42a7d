package job

import (
	"errors"
	"fmt"
)

// Kind classifies a job failure by the pipeline step that produced it
type Kind string

const (
	KindValidation  Kind = "validation"
	KindUnreachable Kind = "unreachable"
	KindUpload      Kind = "upload"
	KindSubmission  Kind = "submission"
	KindMonitor     Kind = "monitor"
	KindCollection  Kind = "collection"
	KindExecution   Kind = "execution"
	KindInternal    Kind = "internal"
)

// Error is a terminal job failure. Message is surfaced to the caller, Err keeps the cause.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// validation errors, surfaced verbatim
var (
	ErrNoInput       = &Error{Kind: KindValidation, Message: "Please provide input"}
	ErrInvalidJSON   = &Error{Kind: KindValidation, Message: "Invalid JSON format in input"}
	ErrNoWorkflow    = &Error{Kind: KindValidation, Message: "Missing 'workflow' parameter"}
	ErrInvalidImages = &Error{Kind: KindValidation, Message: "'images' must be a list of objects with 'name' and 'image' keys"}
	ErrInvalidAPIKey = &Error{Kind: KindValidation, Message: "'comfy_org_api_key' must be a string"}
)

// NewUnreachableError reports a remote server that never answered the availability probe
func NewUnreachableError(host string) *Error {
	return &Error{
		Kind:    KindUnreachable,
		Message: fmt.Sprintf("ComfyUI server (%s) not reachable after multiple retries.", host),
	}
}

// NewUploadError reports failed input image uploads
func NewUploadError(details []string) *Error {
	return &Error{
		Kind:    KindUpload,
		Message: "Failed to upload one or more input images",
		Details: details,
	}
}

// NewSubmissionError reports a workflow rejected by the remote server
func NewSubmissionError(message string, err error) *Error {
	return &Error{Kind: KindSubmission, Message: message, Err: err}
}

// NewMonitorError reports a progress socket that could not be kept open
func NewMonitorError(err error) *Error {
	return &Error{Kind: KindMonitor, Message: "WebSocket communication error", Err: err}
}

// NewExecutionError reports a workflow that ran but left no output images
func NewExecutionError(details []string) *Error {
	return &Error{Kind: KindExecution, Message: "Job processing failed", Details: details}
}

// NewCollectionError reports a history record that could not be retrieved
func NewCollectionError(message string, err error) *Error {
	return &Error{Kind: KindCollection, Message: message, Err: err}
}

// KindOf returns the kind of a job error, or KindInternal for any other error
func KindOf(err error) Kind {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return KindInternal
}
