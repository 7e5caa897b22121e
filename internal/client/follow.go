package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stackline/internal/backoff"
	"stackline/internal/events"
	"stackline/internal/fault"
)

// FollowOptions tunes an event subscription.
type FollowOptions struct {
	Since  string         // resume after this event ID
	Retry  backoff.Policy // reconnects after dropped connections
	Dialer *websocket.Dialer
}

// Follow streams a job's events over WebSocket and calls fn for each one
// until job_done arrives, fn fails, or ctx ends. Dropped connections are
// resumed from the last delivered event. It returns the last event ID seen.
func (c *Client) Follow(ctx context.Context, jobID string, opts FollowOptions, fn func(events.Event) error) (string, error) {
	if opts.Retry.Attempts < 1 {
		opts.Retry = backoff.Policy{Attempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	last := opts.Since
	var handlerErr error
	opts.Retry.Retryable = func(err error) bool { return handlerErr == nil && fault.Retriable(err) }
	err := opts.Retry.Do(ctx, func(ctx context.Context) error {
		done, err := c.followOnce(ctx, jobID, opts.Dialer, &last, func(ev events.Event) error {
			if err := fn(ev); err != nil {
				handlerErr = err
				return err
			}
			return nil
		})
		if handlerErr != nil {
			return handlerErr
		}
		if done {
			return nil
		}
		if err == nil {
			err = fault.New(fault.ErrTransient, "events", "stream closed before job_done")
		}
		return err
	})
	return last, err
}

func (c *Client) followOnce(ctx context.Context, jobID string, dialer *websocket.Dialer, last *string, fn func(events.Event) error) (bool, error) {
	target := wsURL(c.baseURL) + jobPath(jobID, "events")
	header := http.Header{}
	if *last != "" {
		header.Set("Last-Event-ID", *last)
	}
	if c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("obtain token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				if c.creds != nil {
					c.creds.Invalidate()
				}
				return false, fault.Wrap(fault.ErrTransient, "events", "dial", "token rejected", ErrUnauthorized)
			case http.StatusNotFound:
				return false, fault.New(fault.ErrNotFound, "events", "job not found")
			}
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fault.Wrap(fault.ErrTransient, "events", "dial", "event stream unavailable", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return false, nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.log.Debug("event stream closed", "job", jobID, "code", ce.Code)
			}
			return false, fault.Wrap(fault.ErrTransient, "events", "read", "event stream dropped", err)
		}
		if ev.ID != "" {
			*last = ev.ID
		}
		if err := fn(ev); err != nil {
			return false, err
		}
		if ev.Terminal() {
			return true, nil
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
