// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/slot-backfill/internal/db"
	"github.com/example/slot-backfill/internal/migrate"
)

// Open starts a postgres:15-alpine container, applies every migration and
// returns a connected DB. The container is removed when t finishes. Skipped
// with -short.
func Open(t *testing.T) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("backfill"),
		postgres.WithUsername("backfill"),
		postgres.WithPassword("backfill"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	d, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	_, err = migrate.Up(ctx, d)
	require.NoError(t, err, "apply migrations")
	return d
}

// Candidate inserts a bare waitlist row so offers can reference it.
func Candidate(t *testing.T, d *db.DB, id, contact string) {
	t.Helper()
	require.NoError(t, d.Exec(context.Background(),
		`INSERT INTO candidates(id, contact) VALUES ($1, $2)`, id, contact))
}

// Reset empties every domain table.
func Reset(t *testing.T, d *db.DB) {
	t.Helper()
	require.NoError(t, d.Exec(context.Background(),
		`TRUNCATE message_log, offers, slots, candidates, users RESTART IDENTITY CASCADE`))
}

// Offer inserts a candidate, an open slot and one pending offer linking them,
// and returns the offer id.
func Offer(t *testing.T, d *db.DB) string {
	t.Helper()
	ctx := context.Background()
	candidateID, slotID, offerID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	Candidate(t, d, candidateID, "+1"+candidateID)
	start := time.Now().Add(24 * time.Hour)
	require.NoError(t, d.Exec(ctx,
		`INSERT INTO slots(id, idempotency_key, start_at, end_at) VALUES ($1, $2, $3, $4)`,
		slotID, slotID, start, start.Add(30*time.Minute)))
	require.NoError(t, d.Exec(ctx, `
INSERT INTO offers(id, slot_id, candidate_id, contact, batch_number, sent_at, hold_expires_at, resolution_token)
VALUES ($1, $2, $3, $4, 1, now(), now() + interval '7 minutes', $5)`,
		offerID, slotID, candidateID, "+1"+candidateID, uuid.NewString()))
	return offerID
}
