package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/example/slot-backfill/internal/db"
)

var _ Ledger = (*Postgres)(nil)

// lockTimeout bounds how long a transaction waits on a slot row lock before
// failing with lock_not_available, which surfaces as ErrConflict.
const lockTimeout = "5s"

// Postgres is the Ledger backed by the slots and offers tables.
type Postgres struct{ db *db.DB }

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

const slotColumns = `id::text,idempotency_key,start_at,end_at,provider,provider_type,location,reason,status,coalesce(filled_by::text,''),filled_at,abort_reason,created_at,updated_at`

const offerColumns = `id::text,slot_id::text,candidate_id::text,contact,batch_number,sent_at,hold_expires_at,status,resolution_token::text,responded_at,created_at,updated_at`

func scanSlot(row db.Row) (Slot, error) {
	var s Slot
	var status string
	err := row.Scan(&s.ID, &s.IdempotencyKey, &s.Start, &s.End, &s.Provider, &s.ProviderType, &s.Location, &s.Reason,
		&status, &s.FilledBy, &s.FilledAt, &s.AbortReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Slot{}, notFound(err)
	}
	s.Status = SlotStatus(status)
	return s, nil
}

func scanOffer(row db.Row) (Offer, error) {
	var o Offer
	var status string
	err := row.Scan(&o.ID, &o.SlotID, &o.CandidateID, &o.Contact, &o.BatchNumber, &o.SentAt, &o.HoldExpiresAt,
		&status, &o.ResolutionToken, &o.RespondedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Offer{}, notFound(err)
	}
	o.Status = OfferStatus(status)
	return o, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nullID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := p.db.InTx(ctx, func(tx db.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
			return err
		}
		return fn(&pgTx{tx: tx})
	})
	if db.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (p *Postgres) CreateSlot(ctx context.Context, s Slot) (Slot, bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	created, err := scanSlot(p.db.QueryRow(ctx, `
INSERT INTO slots(id,idempotency_key,start_at,end_at,provider,provider_type,location,reason,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'open')
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING `+slotColumns,
		s.ID, s.IdempotencyKey, s.Start, s.End, s.Provider, s.ProviderType, s.Location, s.Reason))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Slot{}, false, fmt.Errorf("insert slot: %w", err)
	}
	existing, err := scanSlot(p.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE idempotency_key=$1`, s.IdempotencyKey))
	if err != nil {
		return Slot{}, false, fmt.Errorf("load slot by key: %w", err)
	}
	return existing, false, nil
}

func (p *Postgres) Slot(ctx context.Context, id string) (Slot, error) {
	if !validID(id) {
		return Slot{}, ErrNotFound
	}
	return scanSlot(p.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id=$1`, id))
}

func (p *Postgres) ListSlots(ctx context.Context, status SlotStatus) ([]Slot, error) {
	rows, err := p.db.Query(ctx, `
SELECT `+slotColumns+`
FROM slots
WHERE ($1 = '' OR status = $1)
ORDER BY start_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Offer(ctx context.Context, id string) (Offer, error) {
	if !validID(id) {
		return Offer{}, ErrNotFound
	}
	return scanOffer(p.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
}

func (p *Postgres) OfferByToken(ctx context.Context, token string) (Offer, error) {
	if !validID(token) {
		return Offer{}, ErrNotFound
	}
	return scanOffer(p.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE resolution_token=$1`, token))
}

func (p *Postgres) Offers(ctx context.Context, slotID string) ([]Offer, error) {
	if !validID(slotID) {
		return nil, nil
	}
	return queryOffers(ctx, p.db.Query, `SELECT `+offerColumns+` FROM offers WHERE slot_id=$1 ORDER BY batch_number, sent_at, id`, slotID)
}

func (p *Postgres) PendingOfferFor(ctx context.Context, candidateID, slotID string) (Offer, error) {
	if !validID(candidateID) || (slotID != "" && !validID(slotID)) {
		return Offer{}, ErrNotFound
	}
	return scanOffer(p.db.QueryRow(ctx, `
SELECT `+offerColumns+`
FROM offers
WHERE candidate_id=$1 AND status='pending' AND ($2 = '' OR slot_id::text = $2)
ORDER BY sent_at DESC, id DESC
LIMIT 1`, candidateID, slotID))
}

func (p *Postgres) LatestOfferFor(ctx context.Context, candidateID string) (Offer, error) {
	if !validID(candidateID) {
		return Offer{}, ErrNotFound
	}
	return scanOffer(p.db.QueryRow(ctx, `
SELECT `+offerColumns+`
FROM offers
WHERE candidate_id=$1
ORDER BY sent_at DESC, id DESC
LIMIT 1`, candidateID))
}

func (p *Postgres) DueBatches(ctx context.Context, now time.Time, limit int) ([]BatchRef, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return p.batches(ctx, `
SELECT slot_id::text, batch_number, max(hold_expires_at)
FROM offers
WHERE status='pending'
GROUP BY slot_id, batch_number
HAVING min(hold_expires_at) <= $1
ORDER BY min(hold_expires_at), slot_id, batch_number
LIMIT $2`, now, lim)
}

func (p *Postgres) PendingBatches(ctx context.Context) ([]BatchRef, error) {
	return p.batches(ctx, `
SELECT slot_id::text, batch_number, max(hold_expires_at)
FROM offers
WHERE status='pending'
GROUP BY slot_id, batch_number
ORDER BY min(hold_expires_at), slot_id, batch_number`)
}

func (p *Postgres) batches(ctx context.Context, sql string, args ...any) ([]BatchRef, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRef
	for rows.Next() {
		var b BatchRef
		if err := rows.Scan(&b.SlotID, &b.Batch, &b.DueAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type pgTx struct{ tx db.Tx }

func (t *pgTx) LockSlot(ctx context.Context, id string) (Slot, error) {
	if !validID(id) {
		return Slot{}, ErrNotFound
	}
	return scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) LockOffer(ctx context.Context, id string) (Offer, error) {
	if !validID(id) {
		return Offer{}, ErrNotFound
	}
	return scanOffer(t.tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) SlotOffers(ctx context.Context, slotID string) ([]Offer, error) {
	query := func(ctx context.Context, sql string, args ...any) (db.Rows, error) {
		return t.tx.Query(ctx, sql, args...)
	}
	return queryOffers(ctx, query, `SELECT `+offerColumns+` FROM offers WHERE slot_id=$1 ORDER BY batch_number, sent_at, id`, slotID)
}

func (t *pgTx) InsertOffers(ctx context.Context, offers []Offer) error {
	for _, o := range offers {
		_, err := t.tx.Exec(ctx, `
INSERT INTO offers(id,slot_id,candidate_id,contact,batch_number,sent_at,hold_expires_at,status,resolution_token)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			o.ID, o.SlotID, o.CandidateID, o.Contact, o.BatchNumber, o.SentAt, o.HoldExpiresAt, string(o.Status), o.ResolutionToken)
		if err != nil {
			return fmt.Errorf("insert offer %s: %w", o.ID, err)
		}
	}
	return nil
}

func (t *pgTx) UpdateSlot(ctx context.Context, s Slot) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE slots SET status=$2, filled_by=$3, filled_at=$4, abort_reason=$5, updated_at=now()
WHERE id=$1`, s.ID, string(s.Status), nullID(s.FilledBy), s.FilledAt, s.AbortReason)
	if err != nil {
		return fmt.Errorf("update slot %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateOffer(ctx context.Context, o Offer) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE offers SET status=$2, responded_at=$3, updated_at=now()
WHERE id=$1`, o.ID, string(o.Status), o.RespondedAt)
	if err != nil {
		return fmt.Errorf("update offer %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func queryOffers(ctx context.Context, query func(context.Context, string, ...any) (db.Rows, error), sql string, args ...any) ([]Offer, error) {
	rows, err := query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
