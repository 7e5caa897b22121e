// Package enhance hands composites to external enhancement workers and
// resolves their asynchronous results.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stackline/internal/fault"
)

var (
	// ErrNoOutput means the provider finished without producing an image.
	// It is retriable.
	ErrNoOutput = errors.New("provider returned no output")
	// ErrProviderFailed means the provider reported an explicit failure.
	// It fails the group.
	ErrProviderFailed = errors.New("provider reported failure")
)

// Provider states normalized across upstreams.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Submission is one composite to enhance.
type Submission struct {
	JobID     string
	GroupID   string
	Index     int
	InputKey  string
	InputURL  string
	OutputKey string
	// CallbackURL is empty when the result must be polled.
	CallbackURL string
}

// Handle identifies a submitted request upstream.
type Handle struct {
	ID    string
	Async bool // the provider will call CallbackURL
}

// Status is one observation of a submitted request. Output is a storage
// key or an http(s) URL.
type Status struct {
	State  string
	Output string
	Error  string
}

// Provider is one enhancement backend.
type Provider interface {
	Name() string
	Submit(ctx context.Context, sub Submission) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
}

// statusError classifies an upstream HTTP status.
func statusError(provider, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	cause := fmt.Errorf("%s %s: http %d: %s", provider, op, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return fault.Wrap(fault.ErrTransient, "enhance", op, "enhancement service unavailable", cause)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.Wrap(fault.ErrTransient, "enhance", op, "enhancement service rejected credentials", cause)
	default:
		return fault.Wrap(fault.ErrGroupFatal, "enhance", op, "enhancement request rejected", cause)
	}
}

func requestError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.ErrCanceled, "enhance", op, "enhancement interrupted", err)
	}
	return fault.Wrap(fault.ErrTransient, "enhance", op, "enhancement service unreachable", err)
}
