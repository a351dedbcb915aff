// Package ledger is the durable record of slots and offers. Every state
// transition runs inside InTx and locks the slot row before touching offers,
// so transitions on one slot are linearizable across processes.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when a competing transaction prevented commit.
	// The whole transaction may be retried.
	ErrConflict = errors.New("ledger: conflicting transaction")
)

// Tx is the set of primitives available inside a single ledger transaction.
type Tx interface {
	// LockSlot reads the slot with an exclusive row lock held until commit.
	LockSlot(ctx context.Context, id string) (Slot, error)
	// LockOffer reads one offer of the locked slot with a row lock.
	LockOffer(ctx context.Context, id string) (Offer, error)
	SlotOffers(ctx context.Context, slotID string) ([]Offer, error)
	InsertOffers(ctx context.Context, offers []Offer) error
	UpdateSlot(ctx context.Context, s Slot) error
	UpdateOffer(ctx context.Context, o Offer) error
}

// Ledger is implemented by Postgres and Memory.
type Ledger interface {
	// InTx runs fn atomically: every write made through tx commits or none does.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateSlot inserts s unless a slot with the same idempotency key exists,
	// in which case the existing slot is returned with created=false.
	CreateSlot(ctx context.Context, s Slot) (slot Slot, created bool, err error)
	Slot(ctx context.Context, id string) (Slot, error)
	ListSlots(ctx context.Context, status SlotStatus) ([]Slot, error)

	Offer(ctx context.Context, id string) (Offer, error)
	OfferByToken(ctx context.Context, token string) (Offer, error)
	Offers(ctx context.Context, slotID string) ([]Offer, error)
	// PendingOfferFor returns the candidate's most recently sent Pending offer,
	// restricted to slotID when it is non-empty.
	PendingOfferFor(ctx context.Context, candidateID, slotID string) (Offer, error)
	// LatestOfferFor returns the candidate's most recently sent offer in any status.
	LatestOfferFor(ctx context.Context, candidateID string) (Offer, error)

	// DueBatches lists batches holding Pending offers whose hold has elapsed at now.
	DueBatches(ctx context.Context, now time.Time, limit int) ([]BatchRef, error)
	// PendingBatches lists every batch still holding Pending offers.
	PendingBatches(ctx context.Context) ([]BatchRef, error)
}
