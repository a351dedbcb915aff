// Package engine owns the slot lifecycle: it ranks the waitlist, sends timed
// offers in batches, resolves the race between replies, and moves on to the
// next batch on decline or timeout.
//
// The ledger is the only source of truth. Every transition is one ledger
// transaction that locks the slot row first, so the engine can run as many
// stateless instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/metrics"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/waitlist"
)

// Notifier accepts messages to deliver after a commit. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notice)
}

// Waker arranges a HandleExpiry call for (slotID, batch) no earlier than at.
type Waker interface {
	Schedule(slotID string, batch int, at time.Time)
}

type Config struct {
	BatchSize    int
	HoldDuration time.Duration
	// MaxAttempts bounds how often a transition is retried after ErrConflict.
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.HoldDuration <= 0 {
		return fmt.Errorf("hold duration must be positive")
	}
	return nil
}

type Deps struct {
	Ledger   ledger.Ledger
	Waitlist waitlist.Reader
	Notifier Notifier
	Waker    Waker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

type Engine struct {
	cfg      Config
	ledger   ledger.Ledger
	waitlist waitlist.Reader
	notifier Notifier
	waker    Waker
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, d Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Ledger == nil || d.Waitlist == nil {
		return nil, fmt.Errorf("engine: ledger and waitlist are required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	e := &Engine{
		cfg:      cfg,
		ledger:   d.Ledger,
		waitlist: d.Waitlist,
		notifier: d.Notifier,
		waker:    d.Waker,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      d.Clock,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "engine")
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// NewSlot describes a cancellation to backfill.
type NewSlot struct {
	IdempotencyKey string
	Start          time.Time
	End            time.Time
	Provider       string
	ProviderType   string
	Location       string
	Reason         string
}

// CreateSlot opens a slot and dispatches its first batch. Repeating a call with
// the same idempotency key returns the original slot id without dispatching.
// If the slot was created but the first dispatch failed, the id is returned
// together with the error and Dispatch may be retried.
func (e *Engine) CreateSlot(ctx context.Context, ns NewSlot) (string, error) {
	const op = "create slot"
	ns.IdempotencyKey = strings.TrimSpace(ns.IdempotencyKey)
	if ns.IdempotencyKey == "" {
		return "", invalid(op, "idempotency key required")
	}
	if ns.Start.IsZero() || ns.End.IsZero() {
		return "", invalid(op, "start and end required")
	}
	if !ns.End.After(ns.Start) {
		return "", invalid(op, "end must be after start")
	}

	slot, created, err := e.ledger.CreateSlot(ctx, ledger.Slot{
		IdempotencyKey: ns.IdempotencyKey,
		Start:          ns.Start.UTC(),
		End:            ns.End.UTC(),
		Provider:       ns.Provider,
		ProviderType:   ns.ProviderType,
		Location:       ns.Location,
		Reason:         ns.Reason,
		Status:         ledger.SlotOpen,
	})
	if err != nil {
		return "", newError(CodeInternal, op, err)
	}
	if !created {
		e.log.Info("slot already exists for idempotency key", "slot_id", slot.ID)
		return slot.ID, nil
	}
	e.metrics.SlotCreated()
	e.log.Info("slot opened", "slot_id", slot.ID, "start", slot.Start)

	res, err := e.dispatch(ctx, slot.ID, 0)
	switch {
	case errors.Is(err, errSlotClosed), errors.Is(err, errBatchAdvanced):
		return slot.ID, nil
	case err != nil:
		return slot.ID, err
	case res.Exhausted:
		e.log.Warn("no eligible candidates, slot left open for manual handling", "slot_id", slot.ID)
	}
	return slot.ID, nil
}

// Dispatch sends the next batch for an open slot that has no pending offers.
// It is the manual retry for a slot left open with nobody to offer.
func (e *Engine) Dispatch(ctx context.Context, slotID string) (DispatchResult, error) {
	const op = "dispatch"
	slot, err := e.slot(ctx, op, slotID)
	if err != nil {
		return DispatchResult{}, err
	}
	if slot.Status.Terminal() {
		return DispatchResult{}, invalid(op, "slot is %s", slot.Status)
	}
	offers, err := e.ledger.Offers(ctx, slotID)
	if err != nil {
		return DispatchResult{}, newError(CodeInternal, op, err)
	}
	if n := ledger.CountPending(offers, 0); n > 0 {
		return DispatchResult{}, invalid(op, "slot has %d pending offers", n)
	}
	res, err := e.dispatch(ctx, slotID, ledger.LastBatch(offers))
	if errors.Is(err, errSlotClosed) || errors.Is(err, errBatchAdvanced) {
		return DispatchResult{}, invalid(op, "slot changed concurrently: %v", err)
	}
	return res, err
}

// AbortSlot withdraws an open slot. Pending offers become Superseded. Aborting
// a slot that is already terminal is a no-op.
func (e *Engine) AbortSlot(ctx context.Context, slotID, reason string) error {
	const op = "abort slot"
	var (
		slot       ledger.Slot
		superseded []ledger.Offer
		changed    bool
	)
	err := e.withRetry(ctx, op, func() error {
		superseded, changed = nil, false
		return e.ledger.InTx(ctx, func(tx ledger.Tx) error {
			s, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if s.Status.Terminal() {
				slot = s
				return nil
			}
			s.Status = ledger.SlotAborted
			s.AbortReason = reason
			if err := tx.UpdateSlot(ctx, s); err != nil {
				return err
			}
			superseded, err = supersedePending(ctx, tx, s.ID, "")
			if err != nil {
				return err
			}
			slot, changed = s, true
			return nil
		})
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return newError(CodeNotFound, op, fmt.Errorf("slot %s", slotID))
	}
	if err != nil {
		return err
	}
	if !changed {
		e.log.Info("abort on terminal slot ignored", "slot_id", slotID, "status", slot.Status)
		return nil
	}

	e.metrics.SlotTransition(string(ledger.SlotAborted))
	e.metrics.OfferTransition(string(ledger.OfferSuperseded), len(superseded))
	e.log.Info("slot aborted", "slot_id", slotID, "reason", reason, "superseded", len(superseded))
	for _, o := range superseded {
		e.notify(ctx, notifier.Notice{Kind: notifier.KindWithdrawn, To: o.Contact, OfferID: o.ID, Slot: slot})
	}
	return nil
}

// SlotSnapshot is a read-only view of a slot for dashboards.
type SlotSnapshot struct {
	Slot         ledger.Slot
	Offers       []ledger.Offer
	Counts       map[ledger.OfferStatus]int
	CurrentBatch int
	Pending      int
}

func (e *Engine) GetSlotStatus(ctx context.Context, slotID string) (SlotSnapshot, error) {
	const op = "slot status"
	slot, err := e.slot(ctx, op, slotID)
	if err != nil {
		return SlotSnapshot{}, err
	}
	offers, err := e.ledger.Offers(ctx, slotID)
	if err != nil {
		return SlotSnapshot{}, newError(CodeInternal, op, err)
	}
	snap := SlotSnapshot{
		Slot:         slot,
		Offers:       offers,
		Counts:       make(map[ledger.OfferStatus]int),
		CurrentBatch: ledger.LastBatch(offers),
		Pending:      ledger.CountPending(offers, 0),
	}
	for _, o := range offers {
		snap.Counts[o.Status]++
	}
	return snap, nil
}

// ListSlots returns slots in status, or every slot when status is empty.
func (e *Engine) ListSlots(ctx context.Context, status ledger.SlotStatus) ([]ledger.Slot, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("list slots", "unknown status %q", status)
	}
	slots, err := e.ledger.ListSlots(ctx, status)
	if err != nil {
		return nil, newError(CodeInternal, "list slots", err)
	}
	return slots, nil
}

func (e *Engine) slot(ctx context.Context, op, slotID string) (ledger.Slot, error) {
	if strings.TrimSpace(slotID) == "" {
		return ledger.Slot{}, invalid(op, "slot id required")
	}
	slot, err := e.ledger.Slot(ctx, slotID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Slot{}, newError(CodeNotFound, op, fmt.Errorf("slot %s", slotID))
	}
	if err != nil {
		return ledger.Slot{}, newError(CodeInternal, op, err)
	}
	return slot, nil
}

// withRetry reruns fn while it fails with ledger.ErrConflict, up to
// MaxAttempts, then reports CodeFatal. Other errors return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryDelay
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if errors.Is(err, ledger.ErrConflict) {
			e.metrics.Conflict()
			e.log.Warn("ledger conflict, retrying", "op", op, "attempt", attempt, "err", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx))

	if errors.Is(err, ledger.ErrConflict) {
		e.metrics.Fatal()
		e.log.Error("transition abandoned after conflict retries", "op", op, "attempts", attempt, "err", err)
		return newError(CodeFatal, op, err)
	}
	return err
}

func (e *Engine) notify(ctx context.Context, n notifier.Notice) {
	if e.notifier == nil || n.To == "" {
		return
	}
	e.notifier.Notify(ctx, n)
}

func (e *Engine) schedule(slotID string, batch int, at time.Time) {
	if e.waker == nil {
		return
	}
	e.waker.Schedule(slotID, batch, at)
}

func newToken() string { return uuid.NewString() }

// supersedePending marks every Pending offer on the slot except keep as Superseded.
func supersedePending(ctx context.Context, tx ledger.Tx, slotID, keep string) ([]ledger.Offer, error) {
	offers, err := tx.SlotOffers(ctx, slotID)
	if err != nil {
		return nil, err
	}
	var out []ledger.Offer
	for _, o := range offers {
		if o.ID == keep || o.Status != ledger.OfferPending {
			continue
		}
		o.Status = ledger.OfferSuperseded
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
