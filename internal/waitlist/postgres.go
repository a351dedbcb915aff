package waitlist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/slot-backfill/internal/db"
)

var _ Store = (*Repo)(nil)

// Repo is the Postgres-backed Store.
type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const candidateColumns = `id,contact,display_name,urgent,manual_boost,next_scheduled_at,joined_at,active,opted_out,provider_preference,provider_type_preference,priority_score,notes,created_at,updated_at`

func scanCandidate(row db.Row) (Candidate, error) {
	var c Candidate
	var id uuid.UUID
	err := row.Scan(&id, &c.Contact, &c.DisplayName, &c.Urgent, &c.ManualBoost, &c.NextScheduledAt, &c.JoinedAt,
		&c.Active, &c.OptedOut, &c.ProviderPreference, &c.ProviderTypePreference, &c.PriorityScore, &c.Notes,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Candidate{}, err
	}
	c.ID = id.String()
	return c, nil
}

func (r *Repo) Create(ctx context.Context, c Candidate) (Candidate, error) {
	if err := c.Validate(); err != nil {
		return Candidate{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = time.Now().UTC()
	}
	if c.ProviderPreference == nil {
		c.ProviderPreference = []string{}
	}
	// A contact that texted STOP before being added keeps its opt-out.
	out, err := scanCandidate(r.db.QueryRow(ctx, `
INSERT INTO candidates(id,contact,display_name,urgent,manual_boost,next_scheduled_at,joined_at,active,opted_out,provider_preference,provider_type_preference,notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (contact) DO UPDATE SET
	display_name=EXCLUDED.display_name,
	urgent=EXCLUDED.urgent,
	manual_boost=EXCLUDED.manual_boost,
	next_scheduled_at=EXCLUDED.next_scheduled_at,
	active=EXCLUDED.active,
	provider_preference=EXCLUDED.provider_preference,
	provider_type_preference=EXCLUDED.provider_type_preference,
	notes=EXCLUDED.notes,
	updated_at=now()
WHERE candidates.opted_out
RETURNING `+candidateColumns,
		c.ID, c.Contact, c.DisplayName, c.Urgent, c.ManualBoost, c.NextScheduledAt, c.JoinedAt, c.Active, c.OptedOut,
		c.ProviderPreference, c.ProviderTypePreference, c.Notes,
	))
	if db.IsNotFound(err) || db.IsUniqueViolation(err) {
		return Candidate{}, ErrDuplicate
	}
	if err != nil {
		return Candidate{}, fmt.Errorf("insert candidate: %w", err)
	}
	return out, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Candidate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Candidate{}, ErrNotFound
	}
	c, err := scanCandidate(r.db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id=$1`, id))
	if db.IsNotFound(err) {
		return Candidate{}, ErrNotFound
	}
	return c, err
}

func (r *Repo) ByContact(ctx context.Context, contact string) (Candidate, error) {
	c, err := scanCandidate(r.db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE contact=$1`, contact))
	if db.IsNotFound(err) {
		return Candidate{}, ErrNotFound
	}
	return c, err
}

func (r *Repo) List(ctx context.Context, activeOnly bool) ([]Candidate, error) {
	return r.query(ctx, `
SELECT `+candidateColumns+`
FROM candidates
WHERE ($1 = false OR active)
ORDER BY priority_score DESC, joined_at ASC, id ASC`, activeOnly)
}

func (r *Repo) ListEligible(ctx context.Context, exclude []string) ([]Candidate, error) {
	if exclude == nil {
		exclude = []string{}
	}
	return r.query(ctx, `
SELECT `+candidateColumns+`
FROM candidates
WHERE active AND NOT opted_out AND NOT (id::text = ANY($1))
ORDER BY id`, exclude)
}

func (r *Repo) SetOptedOut(ctx context.Context, id string, optedOut bool) error {
	return r.exec(ctx, `UPDATE candidates SET opted_out=$2, updated_at=now() WHERE id=$1`, id, optedOut)
}

func (r *Repo) OptOutContact(ctx context.Context, contact string) (Candidate, error) {
	if contact == "" {
		return Candidate{}, fmt.Errorf("%w: contact required", ErrInvalid)
	}
	c, err := scanCandidate(r.db.QueryRow(ctx, `
INSERT INTO candidates(id,contact,active,opted_out,joined_at)
VALUES ($1,$2,false,true,now())
ON CONFLICT (contact) DO UPDATE SET opted_out=true, updated_at=now()
RETURNING `+candidateColumns, uuid.NewString(), contact))
	if err != nil {
		return Candidate{}, fmt.Errorf("opt out contact: %w", err)
	}
	return c, nil
}

func (r *Repo) SetBoost(ctx context.Context, id string, boost int) error {
	if err := ValidateBoost(boost); err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE candidates SET manual_boost=$2, updated_at=now() WHERE id=$1`, id, boost)
}

func (r *Repo) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, `UPDATE candidates SET active=$2, updated_at=now() WHERE id=$1`, id, active)
}

func (r *Repo) SetPriorityScores(ctx context.Context, scores map[string]int) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]string, 0, len(scores))
	vals := make([]int32, 0, len(scores))
	for id, s := range scores {
		ids = append(ids, id)
		vals = append(vals, int32(s))
	}
	return r.db.Exec(ctx, `
UPDATE candidates c SET priority_score = u.score
FROM unnest($1::uuid[], $2::int[]) AS u(id, score)
WHERE c.id = u.id`, ids, vals)
}

func (r *Repo) exec(ctx context.Context, sql string, id string, arg any) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	n, err := r.db.ExecCount(ctx, sql, id, arg)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) query(ctx context.Context, sql string, args ...any) ([]Candidate, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
