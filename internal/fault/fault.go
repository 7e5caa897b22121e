package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Markers classify failures so the state machine can decide scope and retry.
var (
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrGroupFatal    = errors.New("group failure")
	ErrJobFatal      = errors.New("job failure")
	ErrMissingSource = errors.New("local source missing")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrCanceled      = errors.New("canceled")
)

const maxUserMessage = 500

// Error carries a marker plus stage context. Message is the normalized text
// shown to operators; Err holds the underlying cause (tool output included).
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, detail, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Marker, detail)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Wrap tags err with marker and stage context. A nil marker is treated as transient.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{Marker: marker, Stage: stage, Operation: operation, Message: message, Err: err}
}

// New is Wrap without a cause.
func New(marker error, stage, message string) error {
	return Wrap(marker, stage, "", message, nil)
}

// Kind returns a short classification label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingSource):
		return "client"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrJobFatal):
		return "job"
	case errors.Is(err, ErrGroupFatal):
		return "group"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}

// Retriable reports whether retrying the same unit of work may succeed.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingSource) || errors.Is(err, ErrCanceled) || errors.Is(err, ErrGroupFatal) || errors.Is(err, ErrJobFatal) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// UserMessage returns text safe to show an operator. Tool stderr and other
// causes are never included.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return "internal error"
	}
	msg := strings.TrimSpace(fe.Message)
	if msg == "" {
		msg = fe.Marker.Error()
		if fe.Stage != "" {
			msg = fe.Stage + ": " + msg
		}
	}
	if len(msg) > maxUserMessage {
		msg = msg[:maxUserMessage]
	}
	return msg
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict", "client", "canceled":
		return http.StatusConflict
	case "job":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "transient":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
