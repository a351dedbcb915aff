package messagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/example/slot-backfill/internal/db"
)

var _ Store = (*Repo)(nil)

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const columns = `id,coalesce(offer_id::text,''),direction,from_contact,to_contact,body,coalesce(provider_sid,''),status,error_code,error_message,created_at,updated_at`

func scan(row db.Row) (Entry, error) {
	var e Entry
	var dir string
	if err := row.Scan(&e.ID, &e.OfferID, &dir, &e.From, &e.To, &e.Body, &e.ProviderSID, &e.Status,
		&e.ErrorCode, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Direction = Direction(dir)
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repo) Record(ctx context.Context, e Entry) (Entry, error) {
	out, err := scan(r.db.QueryRow(ctx, `
INSERT INTO message_log(offer_id,direction,from_contact,to_contact,body,provider_sid,status,error_code,error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING `+columns,
		nullable(e.OfferID), string(e.Direction), e.From, e.To, e.Body, nullable(e.ProviderSID), e.Status, e.ErrorCode, e.ErrorMessage))
	if err != nil {
		return Entry{}, fmt.Errorf("record message: %w", err)
	}
	return out, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, sid, status string, errorCode *int, errorMessage string) (Entry, error) {
	e, err := scan(r.db.QueryRow(ctx, `
UPDATE message_log SET status=$2, error_code=$3, error_message=$4, updated_at=now()
WHERE provider_sid=$1
RETURNING `+columns, sid, status, errorCode, errorMessage))
	if db.IsNotFound(err) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (r *Repo) ForOffer(ctx context.Context, offerID string) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM message_log WHERE offer_id::text=$1 ORDER BY created_at, id`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) PurgeBodies(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.db.ExecCount(ctx, `UPDATE message_log SET body='', updated_at=now() WHERE created_at < $1 AND body <> ''`, cutoff)
}
