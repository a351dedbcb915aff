// Package scheduler is the timer service. It wakes the engine when a batch's
// hold elapses, re-arms timers from the ledger after a restart, and runs the
// periodic housekeeping jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/metrics"
	"github.com/example/slot-backfill/internal/ranker"
	"github.com/example/slot-backfill/internal/waitlist"
)

// Expirer is the part of the engine the scheduler drives.
type Expirer interface {
	HandleExpiry(ctx context.Context, slotID string, batch int) error
	Reconcile(ctx context.Context, slotID string) error
}

// Scheduler arms one timer per dispatched batch and polls the ledger for due
// batches as a backstop, so a lost timer only delays an expiry by Interval.
// Fields are set before Run; Engine may be assigned after construction to
// break the engine/scheduler dependency cycle.
type Scheduler struct {
	Ledger   ledger.Ledger
	Engine   Expirer
	Interval time.Duration

	// Optional housekeeping. A nil store or zero period disables the job.
	Waitlist    waitlist.Store
	RecalcEvery time.Duration
	Messages    messagelog.Store
	Retention   time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	stopped  bool
	timers   map[batchKey]*time.Timer
	inflight map[batchKey]bool
	wg       sync.WaitGroup
}

type batchKey struct {
	slotID string
	batch  int
}

const dueLimit = 100

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "scheduler")
	}
	return slog.Default().With("component", "scheduler")
}

// Schedule arms a wake-up for (slotID, batch) at at. Re-scheduling the same
// batch replaces the earlier timer. Timers armed before Run fire only once Run
// has started; until then the poll covers them.
func (s *Scheduler) Schedule(slotID string, batch int, at time.Time) {
	k := batchKey{slotID, batch}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timers == nil {
		s.timers = make(map[batchKey]*time.Timer)
	}
	if t, ok := s.timers[k]; ok {
		t.Stop()
	}
	s.timers[k] = time.AfterFunc(d, func() { s.fire(k) })
}

// Pending reports how many timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(k batchKey) {
	s.mu.Lock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.expire(ctx, k, "timer")
}

// expire runs HandleExpiry for k unless a call for the same batch is already
// in flight.
func (s *Scheduler) expire(ctx context.Context, k batchKey, source string) {
	s.mu.Lock()
	if s.stopped || s.inflight[k] {
		s.mu.Unlock()
		return
	}
	if s.inflight == nil {
		s.inflight = make(map[batchKey]bool)
	}
	s.inflight[k] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.Metrics.Wakeup(source)
	if err := s.Engine.HandleExpiry(ctx, k.slotID, k.batch); err != nil && ctx.Err() == nil {
		s.log().Error("expiry failed", "slot_id", k.slotID, "batch", k.batch, "source", source, "err", err)
	}
}

// Run recovers outstanding holds, then polls until ctx is cancelled. It waits
// for in-flight expiries before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Ledger == nil || s.Engine == nil {
		return fmt.Errorf("scheduler: ledger and engine are required")
	}
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Recover(ctx); err != nil {
		s.log().Error("recovery scan failed", "err", err)
	}

	t := time.NewTicker(s.Interval)
	defer t.Stop()
	recalc := newTicker(s.RecalcEvery, s.Waitlist != nil)
	defer recalc.Stop()
	purge := newTicker(24*time.Hour, s.Messages != nil && s.Retention > 0)
	defer purge.Stop()

	// kick immediately
	s.Sweep(ctx)
	if s.Waitlist != nil && s.RecalcEvery > 0 {
		s.recalc(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
		case <-recalc.C:
			s.recalc(ctx)
		case <-purge.C:
			s.purge(ctx)
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Recover re-arms a timer for every batch that still holds pending offers and
// reconciles open slots whose last batch resolved without a follow-up.
func (s *Scheduler) Recover(ctx context.Context) error {
	refs, err := s.Ledger.PendingBatches(ctx)
	if err != nil {
		return fmt.Errorf("pending batches: %w", err)
	}
	for _, r := range refs {
		s.Schedule(r.SlotID, r.Batch, r.DueAt)
	}
	s.Metrics.Recovered(len(refs))

	open, err := s.Ledger.ListSlots(ctx, ledger.SlotOpen)
	if err != nil {
		return fmt.Errorf("open slots: %w", err)
	}
	for _, slot := range open {
		if err := s.Engine.Reconcile(ctx, slot.ID); err != nil {
			s.log().Error("reconcile failed", "slot_id", slot.ID, "err", err)
		}
	}
	s.log().Info("recovery scan complete", "pending_batches", len(refs), "open_slots", len(open))
	return nil
}

// Sweep handles every batch whose hold has elapsed.
func (s *Scheduler) Sweep(ctx context.Context) {
	refs, err := s.Ledger.DueBatches(ctx, s.now(), dueLimit)
	if err != nil {
		s.log().Error("due batches query failed", "err", err)
		return
	}
	for _, r := range refs {
		s.expire(ctx, batchKey{r.SlotID, r.Batch}, "poll")
	}
}

// Recalculate refreshes the stored priority score of every active candidate
// and returns how many were scored.
func (s *Scheduler) Recalculate(ctx context.Context) (int, error) {
	if s.Waitlist == nil {
		return 0, fmt.Errorf("priority recalc: no waitlist configured")
	}
	cs, err := s.Waitlist.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("priority recalc: list: %w", err)
	}
	now := s.now()
	scores := make(map[string]int, len(cs))
	for _, c := range cs {
		scores[c.ID] = ranker.Score(c, now)
	}
	if err := s.Waitlist.SetPriorityScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("priority recalc: store: %w", err)
	}
	s.log().Debug("priority scores recalculated", "candidates", len(scores))
	return len(scores), nil
}

func (s *Scheduler) recalc(ctx context.Context) {
	if _, err := s.Recalculate(ctx); err != nil {
		s.log().Error("priority recalc failed", "err", err)
	}
}

// purge blanks message bodies past the retention period.
func (s *Scheduler) purge(ctx context.Context) {
	n, err := s.Messages.PurgeBodies(ctx, s.now().Add(-s.Retention))
	if err != nil {
		s.log().Error("message retention purge failed", "err", err)
		return
	}
	if n > 0 {
		s.log().Info("message bodies purged", "count", n)
	}
}

// ticker wraps time.Ticker so a disabled job has a channel that never fires.
type ticker struct {
	C <-chan time.Time
	t *time.Ticker
}

func newTicker(every time.Duration, enabled bool) ticker {
	if !enabled || every <= 0 {
		return ticker{}
	}
	t := time.NewTicker(every)
	return ticker{C: t.C, t: t}
}

func (t ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
