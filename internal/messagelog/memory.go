package messagelog

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

type Memory struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

func NewMemory() *Memory { return &Memory{now: time.Now} }

func (m *Memory) Record(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	e.ID = int64(len(m.entries) + 1)
	e.CreatedAt, e.UpdatedAt = now, now
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *Memory) UpdateStatus(_ context.Context, sid, status string, errorCode *int, errorMessage string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if sid == "" || m.entries[i].ProviderSID != sid {
			continue
		}
		m.entries[i].Status = status
		m.entries[i].ErrorCode = errorCode
		m.entries[i].ErrorMessage = errorMessage
		m.entries[i].UpdatedAt = m.now().UTC()
		return m.entries[i], nil
	}
	return Entry{}, ErrNotFound
}

func (m *Memory) ForOffer(_ context.Context, offerID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.OfferID == offerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) PurgeBodies(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.entries {
		if m.entries[i].CreatedAt.Before(cutoff) && m.entries[i].Body != "" {
			m.entries[i].Body = ""
			n++
		}
	}
	return n, nil
}

// All returns a copy of every entry, oldest first.
func (m *Memory) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
