package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/waitlist"
)

// Intent is the normalized meaning of an inbound reply. Free-text parsing
// happens in the caller.
type Intent string

const (
	IntentAccept  Intent = "accept"
	IntentDecline Intent = "decline"
	IntentOptOut  Intent = "opt_out"
	IntentHelp    Intent = "help"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentAccept, IntentDecline, IntentOptOut, IntentHelp:
		return true
	}
	return false
}

// Outcome tells the caller what happened so it can answer the candidate.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	// OutcomeSlotTaken: the slot was filled, aborted or expired first.
	OutcomeSlotTaken Outcome = "slot_taken"
	// OutcomeOfferInvalid: the candidate's offer already expired or was resolved.
	OutcomeOfferInvalid    Outcome = "offer_invalid"
	OutcomeDeclined        Outcome = "declined"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNoPendingOffer  Outcome = "no_pending_offer"
	OutcomeUnknownContact  Outcome = "unknown_contact"
	OutcomeOptedOut        Outcome = "opted_out"
	OutcomeHelp            Outcome = "help"
)

type Reply struct {
	Contact string
	// SlotHint narrows the lookup to one slot when the caller knows it.
	SlotHint string
	// Token pins the reply to the offer carrying this resolution token, for
	// replies recorded by staff. Contact may be left empty.
	Token  string
	Intent Intent
}

type ReplyOutcome struct {
	Outcome     Outcome
	CandidateID string
	SlotID      string
	OfferID     string
}

// SubmitReply applies an inbound reply. Replies to unknown contacts or to
// offers that are no longer pending are reported through the outcome, not as
// errors.
func (e *Engine) SubmitReply(ctx context.Context, r Reply) (ReplyOutcome, error) {
	const op = "submit reply"
	r.Contact = strings.TrimSpace(r.Contact)
	r.Token = strings.TrimSpace(r.Token)
	if r.Contact == "" && r.Token == "" {
		return ReplyOutcome{}, invalid(op, "contact required")
	}
	if !r.Intent.Valid() {
		return ReplyOutcome{}, invalid(op, "unknown intent %q", r.Intent)
	}

	out, err := e.submitReply(ctx, r)
	if err == nil {
		e.metrics.Reply(string(out.Outcome))
		e.log.Info("reply handled", "candidate_id", out.CandidateID, "slot_id", out.SlotID,
			"offer_id", out.OfferID, "intent", r.Intent, "outcome", out.Outcome)
	}
	return out, err
}

func (e *Engine) submitReply(ctx context.Context, r Reply) (ReplyOutcome, error) {
	const op = "submit reply"
	var pinned *ledger.Offer
	if r.Token != "" {
		o, err := e.ledger.OfferByToken(ctx, r.Token)
		if errors.Is(err, ledger.ErrNotFound) {
			return ReplyOutcome{}, newError(CodeNotFound, op, errors.New("no offer for token"))
		}
		if err != nil {
			return ReplyOutcome{}, newError(CodeInternal, op, err)
		}
		if r.Contact == "" {
			r.Contact = o.Contact
		} else if r.Contact != o.Contact {
			return ReplyOutcome{}, invalid(op, "token belongs to another contact")
		}
		pinned = &o
	}

	c, err := e.waitlist.ByContact(ctx, r.Contact)
	if errors.Is(err, waitlist.ErrNotFound) {
		if r.Intent == IntentOptOut {
			return e.optOutStranger(ctx, r.Contact)
		}
		return ReplyOutcome{Outcome: OutcomeUnknownContact}, nil
	}
	if err != nil {
		return ReplyOutcome{}, newError(CodeInternal, op, err)
	}
	out := ReplyOutcome{CandidateID: c.ID}

	if r.Intent == IntentHelp {
		out.Outcome = OutcomeHelp
		return out, nil
	}

	var (
		offer      ledger.Offer
		hasPending bool
	)
	if pinned != nil {
		offer, hasPending = *pinned, pinned.Status == ledger.OfferPending
	} else {
		offer, err = e.ledger.PendingOfferFor(ctx, c.ID, r.SlotHint)
		hasPending = err == nil
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return ReplyOutcome{}, newError(CodeInternal, op, err)
		}
	}
	if hasPending {
		out.SlotID, out.OfferID = offer.SlotID, offer.ID
	}

	switch r.Intent {
	case IntentOptOut:
		if err := e.waitlist.SetOptedOut(ctx, c.ID, true); err != nil {
			return ReplyOutcome{}, newError(CodeInternal, op, fmt.Errorf("opt out: %w", err))
		}
		if hasPending {
			if _, err := e.resolveOffer(ctx, offer, ledger.OfferDeclined); err != nil {
				return ReplyOutcome{}, err
			}
		}
		out.Outcome = OutcomeOptedOut
		return out, nil

	case IntentAccept:
		if !hasPending {
			return e.noPending(ctx, out, pinned, true)
		}
		out.Outcome, err = e.accept(ctx, offer)
		return out, err

	default:
		if !hasPending {
			return e.noPending(ctx, out, pinned, false)
		}
		changed, err := e.resolveOffer(ctx, offer, ledger.OfferDeclined)
		if err != nil {
			return ReplyOutcome{}, err
		}
		out.Outcome = OutcomeDeclined
		if !changed {
			out.Outcome = OutcomeAlreadyResolved
		}
		return out, nil
	}
}

// optOutStranger records STOP from a number that is not on the waitlist so a
// later add cannot message it.
func (e *Engine) optOutStranger(ctx context.Context, contact string) (ReplyOutcome, error) {
	c, err := e.waitlist.OptOutContact(ctx, contact)
	if err != nil {
		return ReplyOutcome{}, newError(CodeInternal, "submit reply", fmt.Errorf("opt out: %w", err))
	}
	e.log.Info("opt-out recorded for unlisted contact", "candidate_id", c.ID)
	return ReplyOutcome{Outcome: OutcomeOptedOut, CandidateID: c.ID}, nil
}

// noPending classifies a reply from a candidate with no pending offer using
// the pinned offer, or else their most recent one.
func (e *Engine) noPending(ctx context.Context, out ReplyOutcome, pinned *ledger.Offer, accepting bool) (ReplyOutcome, error) {
	var latest ledger.Offer
	if pinned != nil {
		latest = *pinned
	} else {
		var err error
		latest, err = e.ledger.LatestOfferFor(ctx, out.CandidateID)
		if errors.Is(err, ledger.ErrNotFound) {
			out.Outcome = OutcomeNoPendingOffer
			return out, nil
		}
		if err != nil {
			return ReplyOutcome{}, newError(CodeInternal, "submit reply", err)
		}
	}
	out.SlotID, out.OfferID = latest.SlotID, latest.ID
	if !accepting {
		out.Outcome = OutcomeAlreadyResolved
		return out, nil
	}
	switch latest.Status {
	case ledger.OfferSuperseded:
		out.Outcome = OutcomeSlotTaken
		return out, nil
	case ledger.OfferAccepted:
		// repeated YES from the winner
		out.Outcome = OutcomeAccepted
		return out, nil
	}
	out.Outcome = OutcomeOfferInvalid
	return out, nil
}

// accept is the race-safe reservation: lock the slot, then the offer, and only
// if the slot is still Open and the offer still Pending, fill the slot and
// supersede every other pending offer on it. Concurrent accepts serialize on
// the slot lock; all but the first observe a filled slot.
func (e *Engine) accept(ctx context.Context, offer ledger.Offer) (Outcome, error) {
	const op = "accept"
	var (
		slot       ledger.Slot
		winner     ledger.Offer
		superseded []ledger.Offer
	)
	err := e.withRetry(ctx, op, func() error {
		superseded = nil
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, offer.SlotID)
			if err != nil {
				return err
			}
			if s.Status != ledger.SlotOpen {
				return errSlotTaken
			}
			o, err := tx.LockOffer(ctx, offer.ID)
			if err != nil {
				return err
			}
			now := e.now().UTC()
			if o.Status != ledger.OfferPending || now.After(o.HoldExpiresAt) {
				return errOfferGone
			}

			o.Status = ledger.OfferAccepted
			o.RespondedAt = &now
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
			s.Status = ledger.SlotFilled
			s.FilledBy = o.CandidateID
			s.FilledAt = &now
			if err := tx.UpdateSlot(ctx, s); err != nil {
				return err
			}
			superseded, err = supersedePending(ctx, tx, s.ID, o.ID)
			if err != nil {
				return err
			}
			slot, winner = s, o
			return nil
		})
	})
	switch {
	case errors.Is(err, errSlotTaken):
		return OutcomeSlotTaken, nil
	case errors.Is(err, errOfferGone):
		return OutcomeOfferInvalid, nil
	case err != nil:
		if CodeOf(err) == CodeInternal {
			err = newError(CodeInternal, op, err)
		}
		return "", err
	}

	e.metrics.SlotTransition(string(ledger.SlotFilled))
	e.metrics.OfferTransition(string(ledger.OfferAccepted), 1)
	e.metrics.OfferTransition(string(ledger.OfferSuperseded), len(superseded))
	e.metrics.Filled(slot.FilledAt.Sub(slot.CreatedAt))
	e.log.Info("slot filled", "slot_id", slot.ID, "candidate_id", winner.CandidateID,
		"offer_id", winner.ID, "batch", winner.BatchNumber, "superseded", len(superseded))

	e.notify(ctx, notifier.Notice{Kind: notifier.KindConfirmed, To: winner.Contact, OfferID: winner.ID, Slot: slot})
	for _, o := range superseded {
		e.notify(ctx, notifier.Notice{Kind: notifier.KindSlotTaken, To: o.Contact, OfferID: o.ID, Slot: slot})
	}
	return OutcomeAccepted, nil
}

// HandleSendFailure marks an offer whose message could not be delivered as
// Failed. Siblings are untouched; if it was the last pending offer in its
// batch the next batch goes out, as for a decline.
func (e *Engine) HandleSendFailure(ctx context.Context, offerID string) error {
	offer, err := e.ledger.Offer(ctx, offerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return newError(CodeNotFound, "send failure", fmt.Errorf("offer %s", offerID))
	}
	if err != nil {
		return newError(CodeInternal, "send failure", err)
	}
	changed, err := e.resolveOffer(ctx, offer, ledger.OfferFailed)
	if err == nil && changed {
		e.log.Warn("offer failed to deliver", "offer_id", offerID, "slot_id", offer.SlotID)
	}
	return err
}

// resolveOffer moves a Pending offer to a candidate-driven terminal status
// (Declined or Failed). It reports false when the offer was no longer Pending.
// When this resolves the offer's batch on an open slot, the next batch is
// dispatched immediately.
func (e *Engine) resolveOffer(ctx context.Context, offer ledger.Offer, to ledger.OfferStatus) (bool, error) {
	op := "resolve offer " + string(to)
	var changed, batchResolved, slotOpen bool
	err := e.withRetry(ctx, op, func() error {
		changed, batchResolved, slotOpen = false, false, false
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, offer.SlotID)
			if err != nil {
				return err
			}
			o, err := tx.LockOffer(ctx, offer.ID)
			if err != nil {
				return err
			}
			if o.Status != ledger.OfferPending {
				return nil
			}
			now := e.now().UTC()
			o.Status = to
			o.RespondedAt = &now
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
			offers, err := tx.SlotOffers(ctx, o.SlotID)
			if err != nil {
				return err
			}
			changed = true
			batchResolved = ledger.CountPending(offers, o.BatchNumber) == 0
			slotOpen = s.Status == ledger.SlotOpen
			return nil
		})
	})
	if err != nil {
		if CodeOf(err) == CodeInternal {
			err = newError(CodeInternal, op, err)
		}
		return false, err
	}
	if !changed {
		return false, nil
	}
	e.metrics.OfferTransition(string(to), 1)
	if batchResolved && slotOpen {
		e.log.Info("batch resolved early", "slot_id", offer.SlotID, "batch", offer.BatchNumber, "by", to)
		if err := e.advance(ctx, offer.SlotID, offer.BatchNumber); err != nil {
			return true, err
		}
	}
	return true, nil
}
