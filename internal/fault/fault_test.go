package fault

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestWrapUnwrapsMarkerAndCause(t *testing.T) {
	cause := errors.New("enfuse: exit status 1: libtiff warning")
	err := Wrap(ErrGroupFatal, "hdr", "fuse", "exposure fusion failed", cause)

	if !errors.Is(err, ErrGroupFatal) {
		t.Fatalf("expected marker to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to match")
	}
	if !strings.Contains(err.Error(), "hdr: fuse: exposure fusion failed") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}

func TestUserMessageHidesCause(t *testing.T) {
	err := Wrap(ErrGroupFatal, "hdr", "align", "frame alignment failed", errors.New("stderr: segfault at 0x0"))
	msg := UserMessage(err)
	if msg != "frame alignment failed" {
		t.Fatalf("expected normalized message, got %q", msg)
	}
	if UserMessage(errors.New("raw")) != "internal error" {
		t.Fatalf("expected plain errors to be normalized")
	}
	long := New(ErrGroupFatal, "enhance", strings.Repeat("x", 800))
	if got := len(UserMessage(long)); got != maxUserMessage {
		t.Fatalf("expected truncation to %d, got %d", maxUserMessage, got)
	}
}

func TestKindAndRetriable(t *testing.T) {
	cases := []struct {
		err       error
		kind      string
		retriable bool
		status    int
	}{
		{Wrap(ErrTransient, "transfer", "put", "upload failed", nil), "transient", true, http.StatusServiceUnavailable},
		{New(ErrTimeout, "enhance", "timed out"), "timeout", true, http.StatusGatewayTimeout},
		{New(ErrGroupFatal, "hdr", "failed"), "group", false, http.StatusInternalServerError},
		{New(ErrJobFatal, "grouping", "no groups"), "job", false, http.StatusUnprocessableEntity},
		{New(ErrMissingSource, "transfer", "reselect files"), "client", false, http.StatusConflict},
		{New(ErrValidation, "api", "bad"), "validation", false, http.StatusBadRequest},
		{New(ErrNotFound, "api", "missing"), "not_found", false, http.StatusNotFound},
		{errors.New("boom"), "internal", false, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.kind {
			t.Fatalf("expected kind %s, got %s", tc.kind, got)
		}
		if got := Retriable(tc.err); got != tc.retriable {
			t.Fatalf("%s: expected retriable %v, got %v", tc.kind, tc.retriable, got)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.kind, tc.status, got)
		}
	}
}
