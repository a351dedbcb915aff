package auth

import (
	"context"
	"sync"

	"github.com/example/slot-backfill/internal/db"
)

// PostgresUsers stores accounts in the users table.
type PostgresUsers struct {
	db *db.DB
}

func NewPostgresUsers(d *db.DB) *PostgresUsers { return &PostgresUsers{db: d} }

func (u *PostgresUsers) Insert(ctx context.Context, username, hash string) (int64, error) {
	var id int64
	err := u.db.QueryRow(ctx, `INSERT INTO users(username, password_bcrypt) VALUES ($1,$2) RETURNING id`, username, hash).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, ErrUserExists
	}
	return id, err
}

func (u *PostgresUsers) Lookup(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := u.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM users WHERE username=$1`, username).Scan(&id, &hash)
	if db.IsNotFound(err) {
		return 0, "", ErrUserNotFound
	}
	return id, hash, err
}

// MemoryUsers keeps accounts in process.
type MemoryUsers struct {
	mu     sync.Mutex
	nextID int64
	byName map[string]memUser
}

type memUser struct {
	id   int64
	hash string
}

func NewMemoryUsers() *MemoryUsers { return &MemoryUsers{byName: make(map[string]memUser)} }

func (u *MemoryUsers) Insert(_ context.Context, username, hash string) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[username]; ok {
		return 0, ErrUserExists
	}
	u.nextID++
	u.byName[username] = memUser{id: u.nextID, hash: hash}
	return u.nextID, nil
}

func (u *MemoryUsers) Lookup(_ context.Context, username string) (int64, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.byName[username]
	if !ok {
		return 0, "", ErrUserNotFound
	}
	return m.id, m.hash, nil
}
