// Package credentials supplies bearer tokens that can be refreshed on demand.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Provider hands out a current bearer token. Invalidate forces the next
// Token call to refresh, typically after the upstream answered 401.
type Provider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// RefreshFunc obtains a fresh token. A zero expiry means the token does not
// expire on its own.
type RefreshFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// Refreshing caches the token returned by its RefreshFunc and refreshes it
// shortly before expiry. Concurrent callers share a single refresh.
type Refreshing struct {
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
	group  singleflight.Group
}

// NewRefreshing returns a provider backed by refresh.
func NewRefreshing(refresh RefreshFunc) *Refreshing {
	return &Refreshing{refresh: refresh, skew: 30 * time.Second, now: time.Now}
}

// Token returns the cached token or refreshes it.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.token != "" && (r.expiry.IsZero() || r.now().Add(r.skew).Before(r.expiry)) {
		tok := r.token
		r.mu.Unlock()
		return tok, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("refresh", func() (any, error) {
		tok, exp, err := r.refresh(ctx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", errors.New("credentials: refresh returned an empty token")
		}
		r.mu.Lock()
		r.token, r.expiry = tok, exp
		r.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token.
func (r *Refreshing) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.expiry = time.Time{}
	r.mu.Unlock()
}

// Static returns a provider that always yields token.
func Static(token string) Provider {
	return static(token)
}

type static string

func (s static) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("credentials: no token configured")
	}
	return string(s), nil
}

func (static) Invalidate() {}
