// Package pgrepo stores user profiles in PostgreSQL.
package pgrepo

import (
	"context"
	"database/sql"

	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ profiles.Repo = (*Repo)(nil)

const uniqueViolation = pq.ErrorCode("23505")

const schema = `CREATE TABLE IF NOT EXISTS user_profiles (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL,
	role         TEXT NOT NULL DEFAULT 'consumer',
	is_verified  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS user_profiles_email_idx ON user_profiles (lower(email));`

const selectColumns = `SELECT user_id, display_name, email, role, is_verified, created_at FROM user_profiles`

// Repo is a profiles.Repo backed by a user_profiles table.
type Repo struct {
	db *sql.DB
}

// Open connects to the database at dsn.
func Open(dsn string) (*Repo, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[pgrepo.Open] sql.Open")
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Migrate creates the user_profiles table and its indexes if they do not exist.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "[pgrepo.Migrate]")
	}
	return nil
}

func (r *Repo) GetByID(ctx context.Context, userID string) (*profiles.UserProfile, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE user_id = $1`, userID)
	return scanProfile(row)
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*profiles.UserProfile, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE lower(email) = lower($1) ORDER BY created_at DESC LIMIT 1`, email)
	return scanProfile(row)
}

func (r *Repo) Insert(ctx context.Context, p *profiles.UserProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, display_name, email, role, is_verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.UserID, p.DisplayName, p.Email, string(p.Role), p.IsVerified, p.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return profiles.ErrConflict
		}
		return errors.Wrap(err, "[pgrepo.Insert]")
	}
	return nil
}

// Close closes the underlying pool.
func (r *Repo) Close() error {
	return r.db.Close()
}

func scanProfile(row *sql.Row) (*profiles.UserProfile, error) {
	var (
		p    profiles.UserProfile
		role string
	)
	err := row.Scan(&p.UserID, &p.DisplayName, &p.Email, &role, &p.IsVerified, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, profiles.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[pgrepo.scanProfile]")
	}
	p.Role = profiles.Role(role)
	return &p, nil
}
