// Package messagelog keeps the audit trail of every inbound and outbound text.
package messagelog

import (
	"context"
	"errors"
	"time"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Delivery statuses reported by the SMS provider.
const (
	StatusQueued      = "queued"
	StatusSent        = "sent"
	StatusDelivered   = "delivered"
	StatusUndelivered = "undelivered"
	StatusFailed      = "failed"
	StatusReceived    = "received"
)

var ErrNotFound = errors.New("messagelog: entry not found")

type Entry struct {
	ID           int64
	OfferID      string
	Direction    Direction
	From         string
	To           string
	Body         string
	ProviderSID  string
	Status       string
	ErrorCode    *int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsDeliveryFailure reports statuses that mean the text never reached the handset.
func IsDeliveryFailure(status string) bool {
	return status == StatusFailed || status == StatusUndelivered
}

type Store interface {
	Record(ctx context.Context, e Entry) (Entry, error)
	// UpdateStatus sets the delivery status of the entry with the given provider sid.
	UpdateStatus(ctx context.Context, sid, status string, errorCode *int, errorMessage string) (Entry, error)
	ForOffer(ctx context.Context, offerID string) ([]Entry, error)
	// PurgeBodies blanks message bodies created before cutoff and reports how many changed.
	PurgeBodies(ctx context.Context, cutoff time.Time) (int64, error)
}
