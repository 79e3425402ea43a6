package taskmanager

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketCache implements bounded test-submission admission: a caller must
// first Issue a ticket, then Redeem it exactly once before the admission
// window closes. Supplemented from original_source's WsTicket/TimedCache
// pair (see SPEC_FULL.md supplemented feature 1) — there, a websocket
// handshake had to present a short-lived ticket before the server would
// accept its test submission; the same admission control applies here
// ahead of Manager.Submit(KindTest, ...).
//
// A ticket is single-use: Redeem deletes it whether or not it was still
// within its window, so a replayed ticket always fails.
type TicketCache struct {
	ttl time.Duration

	mu      sync.Mutex
	tickets map[uuid.UUID]time.Time
}

// NewTicketCache builds a cache whose tickets are valid for ttl after
// issuance.
func NewTicketCache(ttl time.Duration) *TicketCache {
	return &TicketCache{
		ttl:     ttl,
		tickets: make(map[uuid.UUID]time.Time),
	}
}

// Issue mints a new ticket and returns its token.
func (c *TicketCache) Issue() uuid.UUID {
	tok := uuid.New()
	c.mu.Lock()
	c.tickets[tok] = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return tok
}

// Redeem consumes tok, reporting whether it was known and still within its
// admission window. A ticket can be redeemed at most once.
func (c *TicketCache) Redeem(tok uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.tickets[tok]
	if !ok {
		return false
	}
	delete(c.tickets, tok)
	return time.Now().Before(expiry)
}

// Sweep drops expired, never-redeemed tickets. Callers with a long-lived
// cache should call this periodically to bound its size; it is never
// required for correctness since Redeem already checks expiry.
func (c *TicketCache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for tok, expiry := range c.tickets {
		if now.After(expiry) {
			delete(c.tickets, tok)
		}
	}
}
