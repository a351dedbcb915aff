package ledger

import "time"

type SlotStatus string

const (
	SlotOpen    SlotStatus = "open"
	SlotFilled  SlotStatus = "filled"
	SlotExpired SlotStatus = "expired"
	SlotAborted SlotStatus = "aborted"
)

func (s SlotStatus) Terminal() bool { return s != SlotOpen }

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotOpen, SlotFilled, SlotExpired, SlotAborted:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferDeclined   OfferStatus = "declined"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
	OfferFailed     OfferStatus = "failed"
)

// Slot is one cancelled appointment being offered out.
type Slot struct {
	ID             string
	IdempotencyKey string
	Start          time.Time
	End            time.Time
	Provider       string
	ProviderType   string
	Location       string
	Reason         string

	Status      SlotStatus
	FilledBy    string
	FilledAt    *time.Time
	AbortReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Offer is one candidate's timed invitation to claim a slot.
type Offer struct {
	ID              string
	SlotID          string
	CandidateID     string
	Contact         string
	BatchNumber     int
	SentAt          time.Time
	HoldExpiresAt   time.Time
	Status          OfferStatus
	ResolutionToken string
	RespondedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchRef names a batch and the time its hold window closes.
type BatchRef struct {
	SlotID string
	Batch  int
	DueAt  time.Time
}

// LastBatch returns the highest batch number among offers, 0 when there are none.
func LastBatch(offers []Offer) int {
	n := 0
	for _, o := range offers {
		if o.BatchNumber > n {
			n = o.BatchNumber
		}
	}
	return n
}

// CountPending counts offers still Pending, optionally limited to a batch (batch <= 0 means all).
func CountPending(offers []Offer, batch int) int {
	n := 0
	for _, o := range offers {
		if o.Status != OfferPending {
			continue
		}
		if batch > 0 && o.BatchNumber != batch {
			continue
		}
		n++
	}
	return n
}
