package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/ranker"
)

// DispatchResult describes one batch dispatch.
type DispatchResult struct {
	Batch     int
	Offers    []ledger.Offer
	Exhausted bool
}

// dispatch sends batch after+1. The insert commits only while the slot is
// Open, holds no Pending offers, and its last batch is still after, so two
// callers racing to advance the same resolved batch produce one batch.
// Exhausted is set when no unoffered eligible candidate remains.
func (e *Engine) dispatch(ctx context.Context, slotID string, after int) (DispatchResult, error) {
	const op = "dispatch"
	started := e.now()

	slot, err := e.ledger.Slot(ctx, slotID)
	if err != nil {
		return DispatchResult{}, newError(CodeInternal, op, err)
	}
	if slot.Status.Terminal() {
		return DispatchResult{}, errSlotClosed
	}
	existing, err := e.ledger.Offers(ctx, slotID)
	if err != nil {
		return DispatchResult{}, newError(CodeInternal, op, err)
	}
	offered := make(map[string]bool, len(existing))
	exclude := make([]string, 0, len(existing))
	for _, o := range existing {
		offered[o.CandidateID] = true
		exclude = append(exclude, o.CandidateID)
	}

	candidates, err := e.waitlist.ListEligible(ctx, exclude)
	if err != nil {
		return DispatchResult{}, newError(CodeInternal, op, fmt.Errorf("list eligible: %w", err))
	}
	picks := ranker.Rank(slot, candidates, offered, started).Take(e.cfg.BatchSize)
	if len(picks) == 0 {
		return DispatchResult{Batch: after, Exhausted: true}, nil
	}

	var inserted []ledger.Offer
	err = e.withRetry(ctx, op, func() error {
		inserted = nil
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if s.Status != ledger.SlotOpen {
				return errSlotClosed
			}
			current, err := tx.SlotOffers(ctx, slotID)
			if err != nil {
				return err
			}
			if ledger.LastBatch(current) != after || ledger.CountPending(current, 0) > 0 {
				return errBatchAdvanced
			}

			now := e.now().UTC()
			hold := now.Add(e.cfg.HoldDuration)
			batch := after + 1
			for _, p := range picks {
				inserted = append(inserted, ledger.Offer{
					ID:              uuid.NewString(),
					SlotID:          slotID,
					CandidateID:     p.Candidate.ID,
					Contact:         p.Candidate.Contact,
					BatchNumber:     batch,
					SentAt:          now,
					HoldExpiresAt:   hold,
					Status:          ledger.OfferPending,
					ResolutionToken: newToken(),
				})
			}
			slot = s
			return tx.InsertOffers(ctx, inserted)
		})
	})
	if errors.Is(err, errSlotClosed) || errors.Is(err, errBatchAdvanced) {
		e.log.Info("dispatch skipped", "slot_id", slotID, "after_batch", after, "reason", err)
		return DispatchResult{}, err
	}
	if err != nil {
		if CodeOf(err) == CodeInternal {
			err = newError(CodeInternal, op, err)
		}
		return DispatchResult{}, err
	}

	batch := inserted[0].BatchNumber
	e.metrics.OffersDispatched(len(inserted), e.now().Sub(started))
	e.log.Info("batch dispatched", "slot_id", slotID, "batch", batch, "offers", len(inserted))

	for _, o := range inserted {
		e.notify(ctx, notifier.Notice{
			Kind:    notifier.KindOffer,
			To:      o.Contact,
			OfferID: o.ID,
			Slot:    slot,
			Hold:    e.cfg.HoldDuration,
		})
	}
	e.schedule(slotID, batch, latestHold(inserted))

	return DispatchResult{Batch: batch, Offers: inserted}, nil
}

// advance runs after a transition resolved batch on a still-open slot: it
// dispatches the next batch, or expires the slot when the waitlist is exhausted.
func (e *Engine) advance(ctx context.Context, slotID string, batch int) error {
	res, err := e.dispatch(ctx, slotID, batch)
	if errors.Is(err, errSlotClosed) || errors.Is(err, errBatchAdvanced) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Exhausted {
		return nil
	}
	return e.expireSlot(ctx, slotID, batch)
}

// expireSlot moves an open slot with no pending offers to Expired.
func (e *Engine) expireSlot(ctx context.Context, slotID string, batch int) error {
	const op = "expire slot"
	expired := false
	err := e.withRetry(ctx, op, func() error {
		expired = false
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if s.Status != ledger.SlotOpen {
				return nil
			}
			offers, err := tx.SlotOffers(ctx, slotID)
			if err != nil {
				return err
			}
			if ledger.LastBatch(offers) != batch || ledger.CountPending(offers, 0) > 0 {
				return nil
			}
			s.Status = ledger.SlotExpired
			expired = true
			return tx.UpdateSlot(ctx, s)
		})
	})
	if err != nil {
		if CodeOf(err) == CodeInternal {
			err = newError(CodeInternal, op, err)
		}
		return err
	}
	if expired {
		e.metrics.SlotTransition(string(ledger.SlotExpired))
		e.log.Info("waitlist exhausted, slot expired", "slot_id", slotID, "last_batch", batch)
	}
	return nil
}

// Reconcile advances an open slot whose last batch is fully resolved but
// never moved on, e.g. after a crash between the resolving commit and the
// next dispatch. Slots that never had an offer are left for manual handling.
func (e *Engine) Reconcile(ctx context.Context, slotID string) error {
	slot, err := e.slot(ctx, "reconcile", slotID)
	if err != nil {
		return err
	}
	if slot.Status != ledger.SlotOpen {
		return nil
	}
	offers, err := e.ledger.Offers(ctx, slotID)
	if err != nil {
		return newError(CodeInternal, "reconcile", err)
	}
	if len(offers) == 0 || ledger.CountPending(offers, 0) > 0 {
		return nil
	}
	e.log.Info("reconciling stalled slot", "slot_id", slotID, "last_batch", ledger.LastBatch(offers))
	return e.advance(ctx, slotID, ledger.LastBatch(offers))
}

func latestHold(offers []ledger.Offer) time.Time {
	var t time.Time
	for _, o := range offers {
		if o.HoldExpiresAt.After(t) {
			t = o.HoldExpiresAt
		}
	}
	return t
}
