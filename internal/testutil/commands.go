package testutil

import (
	"time"

	"VaultLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Epoch is the default command timestamp in tests.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock hands out command timestamps that only move when told to.
type Clock struct {
	Now time.Time
}

func NewClock() *Clock { return &Clock{Now: Epoch} }

func (c *Clock) Advance(d time.Duration) { c.Now = c.Now.Add(d) }

// Command builds a command with a fresh idempotency key. Callers fill in
// the kind-specific fields.
func (c *Clock) Command(kind event.EventType, caller common.Address) *event.Command {
	return &event.Command{
		ID:        uuid.New(),
		Kind:      kind,
		Caller:    caller,
		Timestamp: c.Now,
	}
}
