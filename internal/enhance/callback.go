package enhance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stackline/internal/fault"
)

// CallbackClaims bind a callback token to one waiting group.
type CallbackClaims struct {
	JobID   string `json:"job"`
	GroupID string `json:"group"`
	jwt.RegisteredClaims
}

// CallbackPayload is what a provider posts to the callback URL.
type CallbackPayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Callbacks issues callback URLs and routes incoming results to the
// dispatcher waiting on them.
type Callbacks struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	waiters map[string]chan Status
}

// NewCallbacks returns a registry whose URLs live under baseURL.
func NewCallbacks(secret, baseURL string, ttl time.Duration) *Callbacks {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Callbacks{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
		waiters: make(map[string]chan Status),
	}
}

// Register returns a callback URL for one group, the channel its result
// arrives on, and a func that drops the registration.
func (c *Callbacks) Register(jobID, groupID string) (string, <-chan Status, func(), error) {
	id := uuid.NewString()
	now := c.now()
	claims := CallbackClaims{
		JobID:   jobID,
		GroupID: groupID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, nil, err
	}
	ch := make(chan Status, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}
	return fmt.Sprintf("%s/callbacks/enhance?token=%s", c.baseURL, url.QueryEscape(token)), ch, cancel, nil
}

// Resolve verifies token and delivers payload to its waiter. Intermediate
// states are accepted and ignored.
func (c *Callbacks) Resolve(token string, payload CallbackPayload) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil || !tkn.Valid {
		return nil, fault.Wrap(fault.ErrValidation, "enhance", "callback", "invalid or expired callback token", err)
	}

	st := normalizeRunPod(payload.Status, payload.Output, payload.Error)
	if st.State != StateCompleted && st.State != StateFailed {
		return claims, nil
	}

	c.mu.Lock()
	ch, ok := c.waiters[claims.ID]
	if ok {
		delete(c.waiters, claims.ID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "enhance", "no request is waiting for this callback")
	}
	ch <- st
	return claims, nil
}

// Pending reports how many registrations are outstanding.
func (c *Callbacks) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
