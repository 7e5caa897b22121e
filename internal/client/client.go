// Package client talks to a stackline server over HTTP. It implements the
// transfer API used by the upload engine plus the job endpoints the CLI needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stackline/internal/credentials"
	"stackline/internal/fault"
	"stackline/internal/logging"
	"stackline/internal/transfer"
)

// HTTPDoer is the HTTP client used for API calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrUnauthorized is returned when the server rejects the token twice.
var ErrUnauthorized = errors.New("unauthorized")

const maxErrorBody = 64 << 10

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	creds   credentials.Provider
	http    HTTPDoer
	log     *slog.Logger
}

var _ transfer.API = (*Client)(nil)

// New returns a client for baseURL. A nil doer uses a client with a one
// minute timeout.
func New(baseURL string, creds credentials.Provider, doer HTTPDoer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		creds:   creds,
		http:    doer,
		log:     logging.Or(logger),
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retriable bool   `json:"retriable"`
}

// do sends in as JSON and decodes the response into out. A 401 invalidates
// the token and retries once.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
	}
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			if attempt == 0 && c.creds != nil {
				c.creds.Invalidate()
				continue
			}
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		}
		return c.decode(resp, method, path, out)
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.ErrCanceled, "api", path, "request canceled", ctx.Err())
		}
		return nil, fault.Wrap(fault.ErrTransient, "api", path, "server unreachable", err)
	}
	return resp, nil
}

func (c *Client) decode(resp *http.Response, method, path string, out any) error {
	defer drain(resp)
	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
			if eb.Error == "" {
				eb.Error = http.StatusText(resp.StatusCode)
			}
		}
		c.log.Debug("api error", "method", method, "path", path, "status", resp.StatusCode, "kind", eb.Kind)
		return fault.New(markerFor(resp.StatusCode, eb.Kind), "api", eb.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.ErrTransient, "api", path, "malformed response", err)
	}
	return nil
}

// markerFor maps the server's error kind back onto a fault marker so callers
// can classify remote failures the same way as local ones.
func markerFor(status int, kind string) error {
	switch kind {
	case "validation":
		return fault.ErrValidation
	case "not_found":
		return fault.ErrNotFound
	case "conflict":
		return fault.ErrConflict
	case "canceled":
		return fault.ErrCanceled
	case "client":
		return fault.ErrMissingSource
	case "job":
		return fault.ErrJobFatal
	case "group":
		return fault.ErrGroupFatal
	case "timeout":
		return fault.ErrTimeout
	case "transient":
		return fault.ErrTransient
	}
	switch {
	case status == http.StatusNotFound:
		return fault.ErrNotFound
	case status == http.StatusConflict:
		return fault.ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.ErrTransient
	default:
		return fault.ErrValidation
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func jobPath(jobID, action string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/" + action
}
