package profiles

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no profile exists, or when one cannot be resolved.
	ErrNotFound = errors.New("profile not found")
	// ErrConflict is returned by Insert when a profile with the same user id exists.
	ErrConflict = errors.New("profile already exists")
)

// Repo stores user profiles keyed by UserID. Emails are not unique: an account deleted and
// recreated at the identity service comes back with a new subject and the same email.
// GetByEmail returns the most recently created profile for an email.
type Repo interface {
	GetByID(ctx context.Context, userID string) (*UserProfile, error)
	GetByEmail(ctx context.Context, email string) (*UserProfile, error)
	Insert(ctx context.Context, profile *UserProfile) error
}
