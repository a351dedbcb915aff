// Package waitlist holds the candidates who asked for an earlier appointment.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const MaxManualBoost = 40

var (
	ErrNotFound  = errors.New("waitlist: candidate not found")
	ErrDuplicate = errors.New("waitlist: contact already on waitlist")
	ErrInvalid   = errors.New("waitlist: invalid candidate")
)

type Candidate struct {
	ID          string
	Contact     string
	DisplayName string

	Urgent          bool
	ManualBoost     int
	NextScheduledAt *time.Time
	JoinedAt        time.Time

	Active   bool
	OptedOut bool

	ProviderPreference     []string
	ProviderTypePreference string

	// PriorityScore is the last recalculated score, kept for listings only.
	PriorityScore int
	Notes         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Candidate) Validate() error {
	if c.Contact == "" {
		return fmt.Errorf("%w: contact required", ErrInvalid)
	}
	if !strings.HasPrefix(c.Contact, "+") || len(c.Contact) < 8 {
		return fmt.Errorf("%w: contact must be E.164 (+15555550100)", ErrInvalid)
	}
	if err := ValidateBoost(c.ManualBoost); err != nil {
		return err
	}
	return nil
}

func ValidateBoost(boost int) error {
	if boost < 0 || boost > MaxManualBoost {
		return fmt.Errorf("%w: manual boost must be between 0 and %d", ErrInvalid, MaxManualBoost)
	}
	return nil
}

// Reader is what the engine needs from the waitlist.
type Reader interface {
	// ListEligible returns active, not opted-out candidates whose ids are not in exclude.
	ListEligible(ctx context.Context, exclude []string) ([]Candidate, error)
	ByContact(ctx context.Context, contact string) (Candidate, error)
	SetOptedOut(ctx context.Context, id string, optedOut bool) error
	// OptOutContact records an opt-out for contact, creating an inactive
	// placeholder row when the number is not on the waitlist.
	OptOutContact(ctx context.Context, contact string) (Candidate, error)
}

// Store is the full waitlist surface used by the admin API and CLI.
type Store interface {
	Reader
	Create(ctx context.Context, c Candidate) (Candidate, error)
	Get(ctx context.Context, id string) (Candidate, error)
	List(ctx context.Context, activeOnly bool) ([]Candidate, error)
	SetBoost(ctx context.Context, id string, boost int) error
	SetActive(ctx context.Context, id string, active bool) error
	SetPriorityScores(ctx context.Context, scores map[string]int) error
}

func excludeSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
