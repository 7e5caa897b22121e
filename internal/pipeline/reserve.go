package pipeline

import (
	"context"
	"fmt"
	"sync"

	"stackline/internal/fault"
)

// Reserver holds processing credits for a job before any work is dispatched.
type Reserver interface {
	Reserve(ctx context.Context, ownerID, jobID string, groups int) error
	Release(ownerID, jobID string)
}

// CreditLedger is an in-memory Reserver granting each owner a fixed number
// of group credits. Credits stay spent once a job finishes; only cancel
// returns them.
type CreditLedger struct {
	limit int

	mu   sync.Mutex
	held map[string]map[string]int
}

// NewCreditLedger returns a ledger with limit credits per owner. A limit of
// zero or less never refuses.
func NewCreditLedger(limit int) *CreditLedger {
	return &CreditLedger{limit: limit, held: make(map[string]map[string]int)}
}

func (c *CreditLedger) used(ownerID, except string) int {
	total := 0
	for jobID, n := range c.held[ownerID] {
		if jobID != except {
			total += n
		}
	}
	return total
}

// Reserve records groups credits for jobID. Reserving again for the same job
// replaces its earlier reservation.
func (c *CreditLedger) Reserve(ctx context.Context, ownerID, jobID string, groups int) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.ErrCanceled, "reservation", "reserve", "reservation interrupted", err)
	}
	if groups <= 0 {
		return fault.New(fault.ErrValidation, "reservation", "nothing to reserve")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 {
		if avail := c.limit - c.used(ownerID, jobID); groups > avail {
			return fault.New(fault.ErrJobFatal, "reservation", fmt.Sprintf("insufficient credits: %d needed, %d available", groups, max(avail, 0)))
		}
	}
	if c.held[ownerID] == nil {
		c.held[ownerID] = make(map[string]int)
	}
	c.held[ownerID][jobID] = groups
	return nil
}

// Release returns a job's credits.
func (c *CreditLedger) Release(ownerID, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held[ownerID], jobID)
	if len(c.held[ownerID]) == 0 {
		delete(c.held, ownerID)
	}
}

// Available reports an owner's remaining credits, or -1 when unlimited.
func (c *CreditLedger) Available(ownerID string) int {
	if c.limit <= 0 {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.limit-c.used(ownerID, ""), 0)
}
