package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/slot-backfill/internal/ledger"
)

// HandleExpiry resolves the Pending offers of a batch whose hold has elapsed:
// Expired while the slot is Open, Superseded otherwise. When that resolves the
// batch on an open slot the next batch is dispatched, or the slot expires if
// nobody is left. Offers whose hold has not yet elapsed are left alone, and a
// repeated call against a resolved batch changes nothing.
func (e *Engine) HandleExpiry(ctx context.Context, slotID string, batch int) error {
	const op = "handle expiry"
	if batch < 1 {
		return invalid(op, "batch must be >= 1")
	}
	var (
		expired, superseded int
		batchResolved       bool
		slotOpen            bool
	)
	err := e.withRetry(ctx, op, func() error {
		expired, superseded, batchResolved, slotOpen = 0, 0, false, false
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			offers, err := tx.SlotOffers(ctx, slotID)
			if err != nil {
				return err
			}
			now := e.now().UTC()
			remaining := 0
			for _, o := range offers {
				if o.BatchNumber != batch || o.Status != ledger.OfferPending {
					continue
				}
				if o.HoldExpiresAt.After(now) {
					remaining++
					continue
				}
				if s.Status == ledger.SlotOpen {
					o.Status = ledger.OfferExpired
					expired++
				} else {
					o.Status = ledger.OfferSuperseded
					superseded++
				}
				if err := tx.UpdateOffer(ctx, o); err != nil {
					return err
				}
			}
			batchResolved = remaining == 0
			slotOpen = s.Status == ledger.SlotOpen
			return nil
		})
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return newError(CodeNotFound, op, fmt.Errorf("slot %s", slotID))
	}
	if err != nil {
		if CodeOf(err) == CodeInternal {
			err = newError(CodeInternal, op, err)
		}
		return err
	}

	if expired+superseded == 0 {
		return nil
	}
	e.metrics.OfferTransition(string(ledger.OfferExpired), expired)
	e.metrics.OfferTransition(string(ledger.OfferSuperseded), superseded)
	e.log.Info("batch hold elapsed", "slot_id", slotID, "batch", batch, "expired", expired, "superseded", superseded)

	if batchResolved && slotOpen {
		return e.advance(ctx, slotID, batch)
	}
	return nil
}
