// Package notifier turns engine notices into outbound texts and delivers
// them asynchronously with retry.
package notifier

import (
	"fmt"
	"time"

	"github.com/example/slot-backfill/internal/ledger"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindConfirmed Kind = "confirmed"
	KindSlotTaken Kind = "slot_taken"
	KindWithdrawn Kind = "withdrawn"
)

// Notice is one message the engine wants delivered after a commit.
type Notice struct {
	Kind    Kind
	To      string
	OfferID string
	Slot    ledger.Slot
	// Hold is how long an offer stays claimable.
	Hold time.Duration
}

// Templates renders message bodies. Times are shown in Location.
type Templates struct {
	ClinicName string
	Location   *time.Location
}

func (t Templates) prefix() string {
	if t.ClinicName == "" {
		return "Clinic"
	}
	return t.ClinicName
}

func (t Templates) when(s ledger.Slot) string {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	w := s.Start.In(loc).Format("Jan 2 at 3:04 PM MST")
	if s.Location != "" {
		w += " at " + s.Location
	}
	return w
}

func (t Templates) Render(n Notice) string {
	switch n.Kind {
	case KindOffer:
		mins := int(n.Hold.Round(time.Minute) / time.Minute)
		if mins < 1 {
			mins = 1
		}
		return fmt.Sprintf("%s: An earlier appointment opened %s. Reply YES to claim or NO to skip. This offer expires in %d min.",
			t.prefix(), t.when(n.Slot), mins)
	case KindConfirmed:
		return fmt.Sprintf("%s: Confirmed. You're scheduled %s. Reply STOP to opt out of future messages.",
			t.prefix(), t.when(n.Slot))
	case KindSlotTaken:
		return t.TooLate()
	case KindWithdrawn:
		return fmt.Sprintf("%s: The opening on %s is no longer available. You remain on the waitlist.",
			t.prefix(), t.when(n.Slot))
	}
	return ""
}

func (t Templates) TooLate() string {
	return t.prefix() + ": Sorry, that slot was just filled. You remain on the waitlist and we'll text you when another opens."
}

func (t Templates) Expired() string {
	return t.prefix() + ": Sorry, that offer is no longer available. You remain on the waitlist."
}

func (t Templates) DeclineAck() string {
	return t.prefix() + ": No problem. We'll keep you on the list for future openings."
}

func (t Templates) Help() string {
	return "HELP: " + t.prefix() + " scheduling. Reply YES to claim slots; NO to skip. Reply STOP to opt out."
}

func (t Templates) StopAck() string {
	return "You'll no longer receive earlier-slot messages from " + t.prefix() + "."
}

func (t Templates) NoOffer() string {
	return t.prefix() + ": You don't have an open offer right now. We'll text you when a slot opens."
}

func (t Templates) Unrecognized() string {
	return t.prefix() + ": Please reply YES or NO to appointment offers. Reply HELP for info or STOP to opt out."
}
