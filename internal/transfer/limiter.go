package transfer

import (
	"math"
	"sync"
	"time"

	"stackline/internal/config"
)

// LimiterConfig bounds an adaptive concurrency limit.
type LimiterConfig struct {
	Min            int
	Max            int
	Initial        int
	SuccessWindow  int // consecutive successes required before growing; 0 derives it from Min
	Cooldown       time.Duration
	DecreaseFactor float64
}

// LimiterConfigFrom converts the configuration section into limiter bounds.
func LimiterConfigFrom(c config.Concurrency) LimiterConfig {
	return LimiterConfig{
		Min:            c.Min,
		Max:            c.Max,
		Initial:        c.Initial,
		SuccessWindow:  c.SuccessWindow,
		Cooldown:       c.Cooldown(),
		DecreaseFactor: c.DecreaseFactor,
	}
}

func (c LimiterConfig) normalized() LimiterConfig {
	if c.Min < 1 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial < c.Min {
		c.Initial = c.Min
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	if c.SuccessWindow <= 0 {
		c.SuccessWindow = 4 + 2*c.Min
		if c.SuccessWindow < 6 {
			c.SuccessWindow = 6
		}
		if c.SuccessWindow > 8 {
			c.SuccessWindow = 8
		}
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.7
	}
	return c
}

// Limiter implements additive-increase, multiplicative-decrease over a
// concurrency limit. The limit always stays inside [Min, Max].
type Limiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu         sync.Mutex
	limit      int
	streak     int
	lastChange time.Time
}

// NewLimiter returns a limiter starting at cfg.Initial.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg = cfg.normalized()
	return &Limiter{cfg: cfg, now: time.Now, limit: cfg.Initial}
}

// Limit returns the current limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Config returns the normalized bounds.
func (l *Limiter) Config() LimiterConfig { return l.cfg }

// Success records a successful unit. After SuccessWindow consecutive
// successes, and once the cooldown since the last change has elapsed, the
// limit grows by one.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak++
	if l.streak < l.cfg.SuccessWindow || l.limit >= l.cfg.Max {
		return
	}
	now := l.now()
	if !l.lastChange.IsZero() && now.Sub(l.lastChange) < l.cfg.Cooldown {
		return
	}
	l.limit++
	l.streak = 0
	l.lastChange = now
}

// Failure records a failed attempt and shrinks the limit immediately.
func (l *Limiter) Failure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak = 0
	next := int(math.Floor(float64(l.limit) * l.cfg.DecreaseFactor))
	if next >= l.limit {
		next = l.limit - 1
	}
	if next < l.cfg.Min {
		next = l.cfg.Min
	}
	if next != l.limit {
		l.limit = next
		l.lastChange = l.now()
	}
}
