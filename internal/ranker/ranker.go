// Package ranker orders waitlist candidates for an open slot. Everything here
// is pure: the same inputs and now always produce the same order.
package ranker

import (
	"sort"
	"strings"
	"time"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/waitlist"
)

const (
	UrgentPoints       = 30
	MaxProximityPoints = 20
	MaxSeniorityPoints = 10
	seniorityDays      = 30
)

// Score is urgent + manual boost + proximity + seniority.
func Score(c waitlist.Candidate, now time.Time) int {
	score := 0
	if c.Urgent {
		score += UrgentPoints
	}
	score += c.ManualBoost
	score += ProximityScore(c.NextScheduledAt, now)
	score += SeniorityScore(c.JoinedAt, now)
	return score
}

// ProximityScore favours candidates whose current appointment is furthest away.
func ProximityScore(next *time.Time, now time.Time) int {
	if next == nil {
		return 0
	}
	days := wholeDays(next.Sub(now))
	switch {
	case days >= 180:
		return MaxProximityPoints
	case days >= 90:
		return 10
	case days >= 30:
		return 5
	}
	return 0
}

// SeniorityScore is one point per 30 whole days on the waitlist, capped.
func SeniorityScore(joined time.Time, now time.Time) int {
	days := wholeDays(now.Sub(joined))
	if days <= 0 {
		return 0
	}
	return min(days/seniorityDays, MaxSeniorityPoints)
}

func wholeDays(d time.Duration) int {
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// Eligible reports whether c may be offered slot. offered holds the ids of
// candidates who already have an offer on this slot in any status.
func Eligible(c waitlist.Candidate, slot ledger.Slot, offered map[string]bool) bool {
	if !c.Active || c.OptedOut {
		return false
	}
	if offered[c.ID] {
		return false
	}
	return MatchesProvider(c, slot)
}

// MatchesProvider applies the candidate's provider preferences. A slot with no
// provider matches everyone.
func MatchesProvider(c waitlist.Candidate, slot ledger.Slot) bool {
	if slot.Provider == "" && slot.ProviderType == "" {
		return true
	}
	for _, p := range c.ProviderPreference {
		if slot.Provider != "" && strings.EqualFold(p, slot.Provider) {
			return true
		}
	}
	pref := strings.TrimSpace(c.ProviderTypePreference)
	return pref == "" || strings.EqualFold(pref, "any") || strings.EqualFold(pref, slot.ProviderType)
}

// Ranked is a candidate with the score it was ranked by.
type Ranked struct {
	Candidate waitlist.Candidate
	Score     int
}

// Rank filters candidates for slot and returns them as a lazy sequence in
// priority order.
func Rank(slot ledger.Slot, candidates []waitlist.Candidate, offered map[string]bool, now time.Time) *Sequence {
	pool := make([]waitlist.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if Eligible(c, slot, offered) {
			pool = append(pool, c)
		}
	}
	return &Sequence{pool: pool, now: now}
}

// Sequence yields ranked candidates. Ordering is computed on the first pull.
type Sequence struct {
	pool   []waitlist.Candidate
	now    time.Time
	ranked []Ranked
	sorted bool
	pos    int
}

func (s *Sequence) Next() (Ranked, bool) {
	s.order()
	if s.pos >= len(s.ranked) {
		return Ranked{}, false
	}
	r := s.ranked[s.pos]
	s.pos++
	return r, true
}

// Take pulls up to n candidates.
func (s *Sequence) Take(n int) []Ranked {
	var out []Ranked
	for len(out) < n {
		r, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

func (s *Sequence) order() {
	if s.sorted {
		return
	}
	s.ranked = make([]Ranked, len(s.pool))
	for i, c := range s.pool {
		s.ranked[i] = Ranked{Candidate: c, Score: Score(c, s.now)}
	}
	sort.SliceStable(s.ranked, func(i, j int) bool { return Less(s.ranked[i], s.ranked[j]) })
	s.sorted = true
}

// Less is the total order: score desc, joinedAt asc, id asc.
func Less(a, b Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Candidate.JoinedAt.Equal(b.Candidate.JoinedAt) {
		return a.Candidate.JoinedAt.Before(b.Candidate.JoinedAt)
	}
	return a.Candidate.ID < b.Candidate.ID
}
