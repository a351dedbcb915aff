package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Ledger = (*Memory)(nil)

// Memory is an in-process Ledger. A single mutex is held for the whole of
// InTx, which gives the same per-slot linearizability as the Postgres row
// lock. Read methods must not be called from inside an InTx callback.
type Memory struct {
	mu       sync.Mutex
	slots    map[string]Slot
	slotKeys map[string]string
	offers   map[string]Offer
	tokens   map[string]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		slots:    make(map[string]Slot),
		slotKeys: make(map[string]string),
		offers:   make(map[string]Offer),
		tokens:   make(map[string]string),
		now:      time.Now,
	}
}

// WithClock sets the clock used for created/updated timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, slotUndo: make(map[string]Slot), offerUndo: make(map[string]*Offer)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *Memory) CreateSlot(_ context.Context, s Slot) (Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.slotKeys[s.IdempotencyKey]; ok {
		return m.slots[id], false, nil
	}
	now := m.now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SlotOpen
	}
	s.CreatedAt, s.UpdatedAt = now, now
	m.slots[s.ID] = s
	m.slotKeys[s.IdempotencyKey] = s.ID
	return s, true, nil
}

func (m *Memory) Slot(_ context.Context, id string) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return Slot{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSlots(_ context.Context, status SlotStatus) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for _, s := range m.slots {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Offer(_ context.Context, id string) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) OfferByToken(_ context.Context, token string) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return m.offers[id], nil
}

func (m *Memory) Offers(_ context.Context, slotID string) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotOffers(slotID), nil
}

func (m *Memory) PendingOfferFor(_ context.Context, candidateID, slotID string) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(func(o Offer) bool {
		return o.CandidateID == candidateID && o.Status == OfferPending && (slotID == "" || o.SlotID == slotID)
	})
}

func (m *Memory) LatestOfferFor(_ context.Context, candidateID string) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(func(o Offer) bool { return o.CandidateID == candidateID })
}

func (m *Memory) DueBatches(_ context.Context, now time.Time, limit int) ([]BatchRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, earliest := m.pendingBatches()
	var out []BatchRef
	for i, ref := range refs {
		if earliest[i].After(now) {
			continue
		}
		out = append(out, ref)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PendingBatches(_ context.Context) ([]BatchRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, _ := m.pendingBatches()
	return refs, nil
}

// pendingBatches returns batches holding pending offers ordered by earliest
// hold expiry, plus that earliest expiry per batch.
func (m *Memory) pendingBatches() ([]BatchRef, []time.Time) {
	type key struct {
		slot  string
		batch int
	}
	type agg struct {
		min, max time.Time
	}
	groups := make(map[key]agg)
	for _, o := range m.offers {
		if o.Status != OfferPending {
			continue
		}
		k := key{o.SlotID, o.BatchNumber}
		a, ok := groups[k]
		if !ok || o.HoldExpiresAt.Before(a.min) {
			a.min = o.HoldExpiresAt
		}
		if !ok || o.HoldExpiresAt.After(a.max) {
			a.max = o.HoldExpiresAt
		}
		groups[k] = a
	}
	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := groups[keys[i]], groups[keys[j]]
		if !a.min.Equal(b.min) {
			return a.min.Before(b.min)
		}
		if keys[i].slot != keys[j].slot {
			return keys[i].slot < keys[j].slot
		}
		return keys[i].batch < keys[j].batch
	})
	refs := make([]BatchRef, len(keys))
	earliest := make([]time.Time, len(keys))
	for i, k := range keys {
		refs[i] = BatchRef{SlotID: k.slot, Batch: k.batch, DueAt: groups[k].max}
		earliest[i] = groups[k].min
	}
	return refs, earliest
}

func (m *Memory) slotOffers(slotID string) []Offer {
	var out []Offer
	for _, o := range m.offers {
		if o.SlotID == slotID {
			out = append(out, o)
		}
	}
	sortOffers(out)
	return out
}

func (m *Memory) latest(match func(Offer) bool) (Offer, error) {
	var best Offer
	found := false
	for _, o := range m.offers {
		if !match(o) {
			continue
		}
		if !found || o.SentAt.After(best.SentAt) || (o.SentAt.Equal(best.SentAt) && o.ID > best.ID) {
			best, found = o, true
		}
	}
	if !found {
		return Offer{}, ErrNotFound
	}
	return best, nil
}

func sortOffers(offers []Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].BatchNumber != offers[j].BatchNumber {
			return offers[i].BatchNumber < offers[j].BatchNumber
		}
		if !offers[i].SentAt.Equal(offers[j].SentAt) {
			return offers[i].SentAt.Before(offers[j].SentAt)
		}
		return offers[i].ID < offers[j].ID
	})
}

type memTx struct {
	m         *Memory
	slotUndo  map[string]Slot
	offerUndo map[string]*Offer // nil marks an offer inserted by this tx
}

func (t *memTx) LockSlot(_ context.Context, id string) (Slot, error) {
	s, ok := t.m.slots[id]
	if !ok {
		return Slot{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) LockOffer(_ context.Context, id string) (Offer, error) {
	o, ok := t.m.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) SlotOffers(_ context.Context, slotID string) ([]Offer, error) {
	return t.m.slotOffers(slotID), nil
}

func (t *memTx) InsertOffers(_ context.Context, offers []Offer) error {
	now := t.m.now().UTC()
	for _, o := range offers {
		if _, ok := t.m.slots[o.SlotID]; !ok {
			return fmt.Errorf("insert offer: slot %s: %w", o.SlotID, ErrNotFound)
		}
		if _, ok := t.m.offers[o.ID]; ok {
			return fmt.Errorf("insert offer: duplicate id %s", o.ID)
		}
		if _, ok := t.m.tokens[o.ResolutionToken]; ok {
			return fmt.Errorf("insert offer: duplicate resolution token")
		}
		for _, existing := range t.m.offers {
			if existing.SlotID == o.SlotID && existing.CandidateID == o.CandidateID {
				return fmt.Errorf("insert offer: candidate %s already offered slot %s", o.CandidateID, o.SlotID)
			}
		}
		o.CreatedAt, o.UpdatedAt = now, now
		t.offerUndo[o.ID] = nil
		t.m.offers[o.ID] = o
		t.m.tokens[o.ResolutionToken] = o.ID
	}
	return nil
}

func (t *memTx) UpdateSlot(_ context.Context, s Slot) error {
	prev, ok := t.m.slots[s.ID]
	if !ok {
		return ErrNotFound
	}
	if _, saved := t.slotUndo[s.ID]; !saved {
		t.slotUndo[s.ID] = prev
	}
	s.UpdatedAt = t.m.now().UTC()
	t.m.slots[s.ID] = s
	return nil
}

func (t *memTx) UpdateOffer(_ context.Context, o Offer) error {
	prev, ok := t.m.offers[o.ID]
	if !ok {
		return ErrNotFound
	}
	if o.Status == OfferAccepted {
		for _, other := range t.m.offers {
			if other.SlotID == o.SlotID && other.ID != o.ID && other.Status == OfferAccepted {
				return fmt.Errorf("update offer: slot %s already has an accepted offer", o.SlotID)
			}
		}
	}
	if _, saved := t.offerUndo[o.ID]; !saved {
		p := prev
		t.offerUndo[o.ID] = &p
	}
	o.UpdatedAt = t.m.now().UTC()
	t.m.offers[o.ID] = o
	return nil
}

func (t *memTx) rollback() {
	for id, s := range t.slotUndo {
		t.m.slots[id] = s
	}
	for id, prev := range t.offerUndo {
		if prev == nil {
			delete(t.m.tokens, t.m.offers[id].ResolutionToken)
			delete(t.m.offers, id)
			continue
		}
		t.m.offers[id] = *prev
	}
}
