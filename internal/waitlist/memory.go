package waitlist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]Candidate
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]Candidate), now: time.Now}
}

func (m *Memory) Create(_ context.Context, c Candidate) (Candidate, error) {
	if err := c.Validate(); err != nil {
		return Candidate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for _, existing := range m.byID {
		if existing.Contact != c.Contact {
			continue
		}
		if !existing.OptedOut {
			return Candidate{}, ErrDuplicate
		}
		c.ID, c.JoinedAt, c.CreatedAt = existing.ID, existing.JoinedAt, existing.CreatedAt
		c.OptedOut, c.PriorityScore = true, existing.PriorityScore
		c.UpdatedAt = now
		c.ProviderPreference = append([]string(nil), c.ProviderPreference...)
		m.byID[c.ID] = c
		return copyCandidate(c), nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now
	c.ProviderPreference = append([]string(nil), c.ProviderPreference...)
	m.byID[c.ID] = c
	return copyCandidate(c), nil
}

func (m *Memory) Get(_ context.Context, id string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return copyCandidate(c), nil
}

func (m *Memory) ByContact(_ context.Context, contact string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byID {
		if c.Contact == contact {
			return copyCandidate(c), nil
		}
	}
	return Candidate{}, ErrNotFound
}

func (m *Memory) List(_ context.Context, activeOnly bool) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Candidate, 0, len(m.byID))
	for _, c := range m.byID {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, copyCandidate(c))
	}
	sortByScore(out)
	return out, nil
}

func (m *Memory) ListEligible(_ context.Context, exclude []string) ([]Candidate, error) {
	skip := excludeSet(exclude)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for id, c := range m.byID {
		if !c.Active || c.OptedOut {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		out = append(out, copyCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetOptedOut(_ context.Context, id string, optedOut bool) error {
	return m.update(id, func(c *Candidate) { c.OptedOut = optedOut })
}

func (m *Memory) OptOutContact(_ context.Context, contact string) (Candidate, error) {
	if contact == "" {
		return Candidate{}, fmt.Errorf("%w: contact required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for id, c := range m.byID {
		if c.Contact == contact {
			c.OptedOut, c.UpdatedAt = true, now
			m.byID[id] = c
			return copyCandidate(c), nil
		}
	}
	c := Candidate{
		ID:        uuid.NewString(),
		Contact:   contact,
		OptedOut:  true,
		JoinedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.byID[c.ID] = c
	return copyCandidate(c), nil
}

func (m *Memory) SetBoost(_ context.Context, id string, boost int) error {
	if err := ValidateBoost(boost); err != nil {
		return err
	}
	return m.update(id, func(c *Candidate) { c.ManualBoost = boost })
}

func (m *Memory) SetActive(_ context.Context, id string, active bool) error {
	return m.update(id, func(c *Candidate) { c.Active = active })
}

func (m *Memory) SetPriorityScores(_ context.Context, scores map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, score := range scores {
		c, ok := m.byID[id]
		if !ok {
			continue
		}
		c.PriorityScore = score
		m.byID[id] = c
	}
	return nil
}

func (m *Memory) update(id string, fn func(*Candidate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&c)
	c.UpdatedAt = m.now().UTC()
	m.byID[id] = c
	return nil
}

func copyCandidate(c Candidate) Candidate {
	c.ProviderPreference = append([]string(nil), c.ProviderPreference...)
	if c.NextScheduledAt != nil {
		t := *c.NextScheduledAt
		c.NextScheduledAt = &t
	}
	return c
}

func sortByScore(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].PriorityScore != cs[j].PriorityScore {
			return cs[i].PriorityScore > cs[j].PriorityScore
		}
		if !cs[i].JoinedAt.Equal(cs[j].JoinedAt) {
			return cs[i].JoinedAt.Before(cs[j].JoinedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
