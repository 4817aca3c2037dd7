package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeMint
	JournalTypeBurn
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Journal records a single token movement. Mints debit the zero address,
// burns credit it.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // Idempotency key of the source command
	Sequence    int64
	Asset       common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int // ALWAYS positive
	JournalType JournalType
	Timestamp   int64 // Command timestamp (epoch microseconds)
}

// Batch groups the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. An empty batch is valid: many
// commands only touch accounting state.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.From == j.To {
			return fmt.Errorf("journal %s moves funds to the same account", j.JournalID)
		}
	}

	return nil
}

// recorder collects journals for the command currently being applied.
type recorder struct {
	batch *Batch
}

func (r *recorder) begin(eventRef string, sequence, timestamp int64) {
	r.batch = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

func (r *recorder) record(asset, from, to common.Address, amount *big.Int, jt JournalType) {
	if r == nil || r.batch == nil || amount.Sign() == 0 || from == to {
		return
	}
	r.batch.Journals = append(r.batch.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     r.batch.BatchID,
		EventRef:    r.batch.EventRef,
		Sequence:    r.batch.Sequence,
		Asset:       asset,
		From:        from,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		JournalType: jt,
		Timestamp:   r.batch.Timestamp,
	})
}

func (r *recorder) take() *Batch {
	b := r.batch
	r.batch = nil
	return b
}
