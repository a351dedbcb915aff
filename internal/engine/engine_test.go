package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/waitlist"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

const hold = 7 * time.Minute

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notifier.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notifier.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) ofKind(k notifier.Kind) []notifier.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifier.Notice
	for _, n := range r.notices {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

type wake struct {
	SlotID string
	Batch  int
	At     time.Time
}

type recordingWaker struct {
	mu    sync.Mutex
	wakes []wake
}

func (r *recordingWaker) Schedule(slotID string, batch int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakes = append(r.wakes, wake{slotID, batch, at})
}

type harness struct {
	engine   *Engine
	ledger   *ledger.Memory
	waitlist *waitlist.Memory
	notifier *recordingNotifier
	waker    *recordingWaker
	clock    *clock
	ids      map[string]string // name -> candidate id
	contacts map[string]string // name -> contact
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	h := &harness{
		waitlist: waitlist.NewMemory(),
		notifier: &recordingNotifier{},
		waker:    &recordingWaker{},
		clock:    &clock{t: t0},
		ids:      make(map[string]string),
		contacts: make(map[string]string),
	}
	h.ledger = ledger.NewMemory().WithClock(h.clock.Now)
	e, err := New(Config{BatchSize: batchSize, HoldDuration: hold, RetryDelay: time.Millisecond}, Deps{
		Ledger:   h.ledger,
		Waitlist: h.waitlist,
		Notifier: h.notifier,
		Waker:    h.waker,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

// addCandidate adds a candidate whose score equals boost (plus 30 when urgent).
func (h *harness) addCandidate(t *testing.T, name string, urgent bool, boost int) {
	t.Helper()
	contact := fmt.Sprintf("+1555%07d", len(h.ids)+1)
	c, err := h.waitlist.Create(context.Background(), waitlist.Candidate{
		Contact:     contact,
		DisplayName: name,
		Urgent:      urgent,
		ManualBoost: boost,
		JoinedAt:    t0,
		Active:      true,
	})
	require.NoError(t, err)
	h.ids[name] = c.ID
	h.contacts[name] = contact
}

// abcd seeds A(55) B(40) C(20) D(10).
func (h *harness) abcd(t *testing.T) {
	h.addCandidate(t, "A", true, 25)
	h.addCandidate(t, "B", false, 40)
	h.addCandidate(t, "C", false, 20)
	h.addCandidate(t, "D", false, 10)
}

func (h *harness) createSlot(t *testing.T, key string) string {
	t.Helper()
	id, err := h.engine.CreateSlot(context.Background(), NewSlot{
		IdempotencyKey: key,
		Start:          t0.Add(4 * time.Hour),
		End:            t0.Add(5 * time.Hour),
		Location:       "Main Clinic",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) reply(t *testing.T, name string, intent Intent) ReplyOutcome {
	t.Helper()
	out, err := h.engine.SubmitReply(context.Background(), Reply{Contact: h.contacts[name], Intent: intent})
	require.NoError(t, err)
	return out
}

// offerStatus maps candidate name to offer status for the slot.
func (h *harness) offerStatus(t *testing.T, slotID string) map[string]ledger.OfferStatus {
	t.Helper()
	offers, err := h.ledger.Offers(context.Background(), slotID)
	require.NoError(t, err)
	byID := make(map[string]string, len(h.ids))
	for name, id := range h.ids {
		byID[id] = name
	}
	out := make(map[string]ledger.OfferStatus, len(offers))
	for _, o := range offers {
		out[byID[o.CandidateID]] = o.Status
	}
	return out
}

func (h *harness) slot(t *testing.T, id string) ledger.Slot {
	t.Helper()
	s, err := h.ledger.Slot(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{BatchSize: 0, HoldDuration: hold}, Deps{Ledger: ledger.NewMemory(), Waitlist: waitlist.NewMemory()})
	assert.Error(t, err)
	_, err = New(Config{BatchSize: 3}, Deps{Ledger: ledger.NewMemory(), Waitlist: waitlist.NewMemory()})
	assert.Error(t, err)
	_, err = New(Config{BatchSize: 3, HoldDuration: hold}, Deps{})
	assert.Error(t, err)
}

func TestCreateSlotDispatchesFirstBatch(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)

	slotID := h.createSlot(t, "cancel-1")

	assert.Equal(t, map[string]ledger.OfferStatus{
		"A": ledger.OfferPending, "B": ledger.OfferPending, "C": ledger.OfferPending,
	}, h.offerStatus(t, slotID))

	offers, err := h.ledger.Offers(context.Background(), slotID)
	require.NoError(t, err)
	tokens := map[string]bool{}
	for _, o := range offers {
		assert.Equal(t, 1, o.BatchNumber)
		assert.Equal(t, t0, o.SentAt)
		assert.Equal(t, t0.Add(hold), o.HoldExpiresAt)
		assert.NotEmpty(t, o.ResolutionToken)
		tokens[o.ResolutionToken] = true
	}
	assert.Len(t, tokens, 3, "resolution tokens are unique")

	sent := h.notifier.ofKind(notifier.KindOffer)
	require.Len(t, sent, 3)
	assert.Equal(t, h.contacts["A"], sent[0].To)
	assert.Equal(t, hold, sent[0].Hold)
	assert.Equal(t, []wake{{slotID, 1, t0.Add(hold)}}, h.waker.wakes)
	assert.Equal(t, ledger.SlotOpen, h.slot(t, slotID).Status)
}

func TestCreateSlotIsIdempotent(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)

	first := h.createSlot(t, "cancel-1")
	second := h.createSlot(t, "cancel-1")

	assert.Equal(t, first, second)
	assert.Len(t, h.offerStatus(t, first), 3)
	assert.Len(t, h.notifier.ofKind(notifier.KindOffer), 3)
}

func TestCreateSlotValidation(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.engine.CreateSlot(ctx, NewSlot{Start: t0, End: t0.Add(time.Hour)})
	assert.Equal(t, CodeInvalid, CodeOf(err))

	_, err = h.engine.CreateSlot(ctx, NewSlot{IdempotencyKey: "k", Start: t0, End: t0})
	assert.Equal(t, CodeInvalid, CodeOf(err))

	_, err = h.engine.CreateSlot(ctx, NewSlot{IdempotencyKey: "k"})
	assert.Equal(t, CodeInvalid, CodeOf(err))

	slots, err := h.ledger.ListSlots(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, slots, "rejected input mutates nothing")
}

func TestCreateSlotWithoutCandidatesStaysOpen(t *testing.T) {
	h := newHarness(t, 3)
	slotID := h.createSlot(t, "cancel-1")

	assert.Equal(t, ledger.SlotOpen, h.slot(t, slotID).Status)
	assert.Empty(t, h.offerStatus(t, slotID))

	// staff add someone and dispatch by hand
	h.addCandidate(t, "A", false, 0)
	res, err := h.engine.Dispatch(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batch)
	assert.Len(t, res.Offers, 1)
}

func TestDeclinesThenAcceptFillsSlot(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, OutcomeDeclined, h.reply(t, "B", IntentDecline).Outcome)
	assert.Equal(t, OutcomeDeclined, h.reply(t, "C", IntentDecline).Outcome)

	h.clock.Advance(90 * time.Second)
	out := h.reply(t, "A", IntentAccept)
	assert.Equal(t, OutcomeAccepted, out.Outcome)
	assert.Equal(t, slotID, out.SlotID)

	s := h.slot(t, slotID)
	assert.Equal(t, ledger.SlotFilled, s.Status)
	assert.Equal(t, h.ids["A"], s.FilledBy)
	require.NotNil(t, s.FilledAt)
	assert.Equal(t, t0.Add(2*time.Minute), *s.FilledAt)

	assert.Equal(t, map[string]ledger.OfferStatus{
		"A": ledger.OfferAccepted, "B": ledger.OfferDeclined, "C": ledger.OfferDeclined,
	}, h.offerStatus(t, slotID), "D is never offered")

	confirmed := h.notifier.ofKind(notifier.KindConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, h.contacts["A"], confirmed[0].To)
	assert.Empty(t, h.notifier.ofKind(notifier.KindSlotTaken))
}

func TestDeclineOfLastPendingDispatchesImmediately(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	h.reply(t, "A", IntentDecline)
	h.reply(t, "B", IntentDecline)
	assert.NotContains(t, h.offerStatus(t, slotID), "D", "batch with a pending offer does not advance")

	h.clock.Advance(time.Minute)
	h.reply(t, "C", IntentDecline)

	st := h.offerStatus(t, slotID)
	assert.Equal(t, ledger.OfferPending, st["D"])
	offers, err := h.ledger.Offers(context.Background(), slotID)
	require.NoError(t, err)
	last := offers[len(offers)-1]
	assert.Equal(t, 2, last.BatchNumber)
	assert.Equal(t, t0.Add(time.Minute+hold), last.HoldExpiresAt)
	assert.Equal(t, wake{slotID, 2, t0.Add(time.Minute + hold)}, h.waker.wakes[len(h.waker.wakes)-1])
}

func TestRepeatedDeclineIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	h.createSlot(t, "cancel-1")

	assert.Equal(t, OutcomeDeclined, h.reply(t, "A", IntentDecline).Outcome)
	assert.Equal(t, OutcomeAlreadyResolved, h.reply(t, "A", IntentDecline).Outcome)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	const n = 12
	h := newHarness(t, n)
	for i := 0; i < n; i++ {
		h.addCandidate(t, fmt.Sprintf("c%02d", i), false, i)
	}
	slotID := h.createSlot(t, "cancel-1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := h.engine.SubmitReply(context.Background(), Reply{Contact: h.contacts[fmt.Sprintf("c%02d", i)], Intent: IntentAccept})
			assert.NoError(t, err)
			outcomes[i] = out.Outcome
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, o := range outcomes {
		if o == OutcomeAccepted {
			winners++
		} else {
			assert.Contains(t, []Outcome{OutcomeSlotTaken}, o)
		}
	}
	assert.Equal(t, 1, winners)

	offers, err := h.ledger.Offers(context.Background(), slotID)
	require.NoError(t, err)
	accepted := 0
	var winner string
	for _, o := range offers {
		switch o.Status {
		case ledger.OfferAccepted:
			accepted++
			winner = o.CandidateID
		case ledger.OfferSuperseded:
		default:
			t.Errorf("unexpected offer status %s", o.Status)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, winner, h.slot(t, slotID).FilledBy)
	assert.Len(t, h.notifier.ofKind(notifier.KindSlotTaken), n-1)
}

func TestTwoAcceptsSameInstant(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	var wg sync.WaitGroup
	for _, name := range []string{"A", "B"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.SubmitReply(context.Background(), Reply{Contact: h.contacts[name], Intent: IntentAccept})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := h.offerStatus(t, slotID)
	s := h.slot(t, slotID)
	require.Equal(t, ledger.SlotFilled, s.Status)
	if s.FilledBy == h.ids["A"] {
		assert.Equal(t, ledger.OfferAccepted, st["A"])
		assert.Equal(t, ledger.OfferSuperseded, st["B"])
	} else {
		assert.Equal(t, h.ids["B"], s.FilledBy)
		assert.Equal(t, ledger.OfferAccepted, st["B"])
		assert.Equal(t, ledger.OfferSuperseded, st["A"])
	}
	assert.Equal(t, ledger.OfferSuperseded, st["C"])
}

func TestLateAcceptAfterFillIsSlotTaken(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	h.createSlot(t, "cancel-1")

	h.reply(t, "A", IntentAccept)
	assert.Equal(t, OutcomeSlotTaken, h.reply(t, "B", IntentAccept).Outcome)
	assert.Equal(t, OutcomeAccepted, h.reply(t, "A", IntentAccept).Outcome, "winner repeating YES")
}

func TestAcceptAfterHoldElapsedIsInvalid(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	h.clock.Advance(hold + time.Second)
	assert.Equal(t, OutcomeOfferInvalid, h.reply(t, "A", IntentAccept).Outcome)
	assert.Equal(t, ledger.SlotOpen, h.slot(t, slotID).Status)
}

func TestAllTimeOutDispatchesNextThenExpiresSlot(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()

	h.clock.Advance(hold)
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 1))

	assert.Equal(t, map[string]ledger.OfferStatus{
		"A": ledger.OfferExpired, "B": ledger.OfferExpired, "C": ledger.OfferExpired, "D": ledger.OfferPending,
	}, h.offerStatus(t, slotID))

	// repeated wake-ups for batch 1 change nothing
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 1))
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 1))
	assert.Len(t, h.offerStatus(t, slotID), 4)
	assert.Len(t, h.notifier.ofKind(notifier.KindOffer), 4)

	h.clock.Advance(hold)
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 2))
	assert.Equal(t, ledger.OfferExpired, h.offerStatus(t, slotID)["D"])
	assert.Equal(t, ledger.SlotExpired, h.slot(t, slotID).Status)
}

func TestHandleExpiryBeforeHoldIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	h.clock.Advance(hold - time.Second)
	require.NoError(t, h.engine.HandleExpiry(context.Background(), slotID, 1))
	for _, st := range h.offerStatus(t, slotID) {
		assert.Equal(t, ledger.OfferPending, st)
	}
}

func TestHandleExpiryUnknownSlot(t *testing.T) {
	h := newHarness(t, 3)
	err := h.engine.HandleExpiry(context.Background(), "missing", 1)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, CodeInvalid, CodeOf(h.engine.HandleExpiry(context.Background(), "missing", 0)))
}

func TestAbortSupersedesPendingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()
	h.reply(t, "B", IntentDecline)

	require.NoError(t, h.engine.AbortSlot(ctx, slotID, "provider out sick"))

	s := h.slot(t, slotID)
	assert.Equal(t, ledger.SlotAborted, s.Status)
	assert.Equal(t, "provider out sick", s.AbortReason)
	assert.Equal(t, map[string]ledger.OfferStatus{
		"A": ledger.OfferSuperseded, "B": ledger.OfferDeclined, "C": ledger.OfferSuperseded,
	}, h.offerStatus(t, slotID))
	assert.Len(t, h.notifier.ofKind(notifier.KindWithdrawn), 2)

	require.NoError(t, h.engine.AbortSlot(ctx, slotID, "again"))
	assert.Equal(t, "provider out sick", h.slot(t, slotID).AbortReason)

	assert.Equal(t, CodeNotFound, CodeOf(h.engine.AbortSlot(ctx, "missing", "x")))
}

func TestNoOffersAfterTerminal(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()
	require.NoError(t, h.engine.AbortSlot(ctx, slotID, "closed"))

	_, err := h.engine.Dispatch(ctx, slotID)
	assert.Equal(t, CodeInvalid, CodeOf(err))

	h.clock.Advance(hold)
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 1))
	require.NoError(t, h.engine.Reconcile(ctx, slotID))
	_, err = h.engine.dispatch(ctx, slotID, 1)
	assert.ErrorIs(t, err, errSlotClosed)

	assert.Len(t, h.offerStatus(t, slotID), 3)
	assert.Equal(t, OutcomeSlotTaken, h.reply(t, "A", IntentAccept).Outcome)
}

func TestExpiryAfterFillSupersedesStragglers(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()

	// a pending offer left on a filled slot, as if written before the fill
	require.NoError(t, h.ledger.InTx(ctx, func(tx ledger.Tx) error {
		s, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		s.Status = ledger.SlotFilled
		s.FilledBy = h.ids["A"]
		return tx.UpdateSlot(ctx, s)
	}))

	h.clock.Advance(hold)
	require.NoError(t, h.engine.HandleExpiry(ctx, slotID, 1))
	for _, st := range h.offerStatus(t, slotID) {
		assert.Equal(t, ledger.OfferSuperseded, st)
	}
}

func TestSendFailureConfinedToOffer(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()

	byName := func(name string) ledger.Offer {
		o, err := h.ledger.PendingOfferFor(ctx, h.ids[name], slotID)
		require.NoError(t, err)
		return o
	}
	a, c := byName("A"), byName("C")

	require.NoError(t, h.engine.HandleSendFailure(ctx, a.ID))
	st := h.offerStatus(t, slotID)
	assert.Equal(t, ledger.OfferFailed, st["A"])
	assert.Equal(t, ledger.OfferPending, st["B"])
	assert.NotContains(t, st, "D")

	require.NoError(t, h.engine.HandleSendFailure(ctx, a.ID), "repeat is a no-op")
	h.reply(t, "B", IntentDecline)
	require.NoError(t, h.engine.HandleSendFailure(ctx, c.ID))
	assert.Equal(t, ledger.OfferPending, h.offerStatus(t, slotID)["D"])

	assert.Equal(t, CodeNotFound, CodeOf(h.engine.HandleSendFailure(ctx, "missing")))
}

func TestOptOutMarksCandidateAndDeclines(t *testing.T) {
	h := newHarness(t, 1)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()

	out := h.reply(t, "A", IntentOptOut)
	assert.Equal(t, OutcomeOptedOut, out.Outcome)

	c, err := h.waitlist.Get(ctx, h.ids["A"])
	require.NoError(t, err)
	assert.True(t, c.OptedOut)

	st := h.offerStatus(t, slotID)
	assert.Equal(t, ledger.OfferDeclined, st["A"])
	assert.Equal(t, ledger.OfferPending, st["B"], "next batch went out")

	// opted-out candidates are never offered again
	other := h.createSlot(t, "cancel-2")
	assert.NotContains(t, h.offerStatus(t, other), "A")
}

func TestReplyOutcomesWithoutPendingOffer(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	ctx := context.Background()

	out, err := h.engine.SubmitReply(ctx, Reply{Contact: "+19999999999", Intent: IntentAccept})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownContact, out.Outcome)

	assert.Equal(t, OutcomeNoPendingOffer, h.reply(t, "A", IntentAccept).Outcome)
	assert.Equal(t, OutcomeNoPendingOffer, h.reply(t, "A", IntentDecline).Outcome)
	assert.Equal(t, OutcomeHelp, h.reply(t, "A", IntentHelp).Outcome)

	_, err = h.engine.SubmitReply(ctx, Reply{Contact: h.contacts["A"], Intent: "maybe"})
	assert.Equal(t, CodeInvalid, CodeOf(err))
	_, err = h.engine.SubmitReply(ctx, Reply{Intent: IntentAccept})
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

func TestSlotHintSelectsOffer(t *testing.T) {
	h := newHarness(t, 4)
	h.abcd(t)
	first := h.createSlot(t, "cancel-1")
	h.clock.Advance(time.Minute)
	second := h.createSlot(t, "cancel-2")

	out, err := h.engine.SubmitReply(context.Background(), Reply{Contact: h.contacts["A"], SlotHint: first, Intent: IntentAccept})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Outcome)
	assert.Equal(t, first, out.SlotID)
	assert.Equal(t, ledger.SlotOpen, h.slot(t, second).Status)

	// without a hint the most recent pending offer is used
	out = h.reply(t, "B", IntentAccept)
	assert.Equal(t, second, out.SlotID)
}

func TestOptOutFromUnlistedNumberIsRemembered(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	ctx := context.Background()

	out, err := h.engine.SubmitReply(ctx, Reply{Contact: "+15559990000", Intent: IntentOptOut})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedOut, out.Outcome)
	require.NotEmpty(t, out.CandidateID)

	c, err := h.waitlist.ByContact(ctx, "+15559990000")
	require.NoError(t, err)
	assert.True(t, c.OptedOut)
	assert.False(t, c.Active)

	// staff adding the number later does not clear the opt-out
	added, err := h.waitlist.Create(ctx, waitlist.Candidate{Contact: "+15559990000", ManualBoost: 40, JoinedAt: t0, Active: true})
	require.NoError(t, err)
	assert.True(t, added.OptedOut)
	h.ids["Z"] = added.ID

	slotID := h.createSlot(t, "cancel-1")
	assert.NotContains(t, h.offerStatus(t, slotID), "Z")
}

func TestTokenPinsReply(t *testing.T) {
	h := newHarness(t, 4)
	h.abcd(t)
	ctx := context.Background()
	first := h.createSlot(t, "cancel-1")
	h.clock.Advance(time.Minute)
	h.createSlot(t, "cancel-2")

	tokens := make(map[string]string)
	offers, err := h.ledger.Offers(ctx, first)
	require.NoError(t, err)
	for _, o := range offers {
		tokens[o.Contact] = o.ResolutionToken
	}

	out, err := h.engine.SubmitReply(ctx, Reply{Token: tokens[h.contacts["C"]], Intent: IntentAccept})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Outcome)
	assert.Equal(t, first, out.SlotID)
	assert.Equal(t, h.ids["C"], out.CandidateID)

	out, err = h.engine.SubmitReply(ctx, Reply{Token: tokens[h.contacts["C"]], Intent: IntentDecline})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyResolved, out.Outcome)

	out, err = h.engine.SubmitReply(ctx, Reply{Contact: h.contacts["A"], Token: tokens[h.contacts["A"]], Intent: IntentAccept})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSlotTaken, out.Outcome)
	assert.Equal(t, first, out.SlotID)

	_, err = h.engine.SubmitReply(ctx, Reply{Contact: h.contacts["B"], Token: tokens[h.contacts["A"]], Intent: IntentAccept})
	assert.Equal(t, CodeInvalid, CodeOf(err))
	_, err = h.engine.SubmitReply(ctx, Reply{Token: "missing", Intent: IntentAccept})
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestGetSlotStatus(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	h.reply(t, "C", IntentDecline)

	snap, err := h.engine.GetSlotStatus(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, slotID, snap.Slot.ID)
	assert.Len(t, snap.Offers, 3)
	assert.Equal(t, 1, snap.CurrentBatch)
	assert.Equal(t, 2, snap.Pending)
	assert.Equal(t, 2, snap.Counts[ledger.OfferPending])
	assert.Equal(t, 1, snap.Counts[ledger.OfferDeclined])

	_, err = h.engine.GetSlotStatus(context.Background(), "missing")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	_, err = h.engine.GetSlotStatus(context.Background(), "")
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

func TestReconcileAdvancesStalledSlot(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")
	ctx := context.Background()

	// resolve batch 1 behind the engine's back, as a crash before advance would
	require.NoError(t, h.ledger.InTx(ctx, func(tx ledger.Tx) error {
		offers, err := tx.SlotOffers(ctx, slotID)
		if err != nil {
			return err
		}
		for _, o := range offers {
			o.Status = ledger.OfferExpired
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, h.engine.Reconcile(ctx, slotID))
	assert.Equal(t, ledger.OfferPending, h.offerStatus(t, slotID)["D"])

	require.NoError(t, h.engine.Reconcile(ctx, slotID), "pending batch is left alone")
	assert.Len(t, h.offerStatus(t, slotID), 4)
}

func TestDispatchRejectsSlotWithPendingOffers(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	_, err := h.engine.Dispatch(context.Background(), slotID)
	assert.Equal(t, CodeInvalid, CodeOf(err))
	_, err = h.engine.Dispatch(context.Background(), "missing")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestListSlots(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	open := h.createSlot(t, "cancel-1")
	closed := h.createSlot(t, "cancel-2")
	require.NoError(t, h.engine.AbortSlot(context.Background(), closed, "x"))

	slots, err := h.engine.ListSlots(context.Background(), ledger.SlotOpen)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, open, slots[0].ID)

	_, err = h.engine.ListSlots(context.Background(), "bogus")
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

// conflictLedger fails the first n transactions with ErrConflict.
type conflictLedger struct {
	*ledger.Memory
	mu        sync.Mutex
	remaining int
	calls     int
}

func (c *conflictLedger) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	c.mu.Lock()
	c.calls++
	fail := c.remaining != 0
	if c.remaining > 0 {
		c.remaining--
	}
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: simulated", ledger.ErrConflict)
	}
	return c.Memory.InTx(ctx, fn)
}

func TestAcceptRetriesConflicts(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	cl := &conflictLedger{Memory: h.ledger, remaining: 2}
	h.engine.ledger = cl

	out := h.reply(t, "A", IntentAccept)
	assert.Equal(t, OutcomeAccepted, out.Outcome)
	assert.Equal(t, 3, cl.calls)
	assert.Equal(t, ledger.SlotFilled, h.slot(t, slotID).Status)
}

func TestAcceptSurfacesFatalAfterRetries(t *testing.T) {
	h := newHarness(t, 3)
	h.abcd(t)
	slotID := h.createSlot(t, "cancel-1")

	cl := &conflictLedger{Memory: h.ledger, remaining: -1}
	h.engine.ledger = cl

	_, err := h.engine.SubmitReply(context.Background(), Reply{Contact: h.contacts["A"], Intent: IntentAccept})
	require.Error(t, err)
	assert.Equal(t, CodeFatal, CodeOf(err))
	assert.True(t, errors.Is(err, ledger.ErrConflict))
	assert.Equal(t, h.engine.cfg.MaxAttempts, cl.calls)
	assert.Equal(t, ledger.SlotOpen, h.slot(t, slotID).Status, "nothing partially applied")
}
