package fakeprofilerepo

import (
	"context"
	"strings"
	"sync"

	"github.com/jrsteele09/go-auth-session/profiles"
)

var _ profiles.Repo = (*FakeProfileRepo)(nil)

// FakeProfileRepo is an in-memory profiles.Repo with unique user ids.
type FakeProfileRepo struct {
	profiles map[string]*profiles.UserProfile
	emailIDs map[string]string // email to the newest user id
	lock     sync.RWMutex
	err      error
	inserts  int
}

func NewFakeProfileRepo() *FakeProfileRepo {
	return &FakeProfileRepo{
		profiles: make(map[string]*profiles.UserProfile),
		emailIDs: make(map[string]string),
	}
}

func (pr *FakeProfileRepo) GetByID(_ context.Context, userID string) (*profiles.UserProfile, error) {
	pr.lock.RLock()
	defer pr.lock.RUnlock()

	if pr.err != nil {
		return nil, pr.err
	}
	p, ok := pr.profiles[userID]
	if !ok {
		return nil, profiles.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (pr *FakeProfileRepo) GetByEmail(ctx context.Context, email string) (*profiles.UserProfile, error) {
	pr.lock.RLock()
	id, ok := pr.emailIDs[strings.ToLower(email)]
	err := pr.err
	pr.lock.RUnlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, profiles.ErrNotFound
	}
	return pr.GetByID(ctx, id)
}

func (pr *FakeProfileRepo) Insert(_ context.Context, profile *profiles.UserProfile) error {
	pr.lock.Lock()
	defer pr.lock.Unlock()

	if pr.err != nil {
		return pr.err
	}
	email := strings.ToLower(profile.Email)
	if _, ok := pr.profiles[profile.UserID]; ok {
		return profiles.ErrConflict
	}
	cp := *profile
	pr.profiles[profile.UserID] = &cp
	if email != "" {
		pr.emailIDs[email] = profile.UserID
	}
	pr.inserts++
	return nil
}

// FailWith makes every call return err until called again with nil.
func (pr *FakeProfileRepo) FailWith(err error) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	pr.err = err
}

// Count returns the number of stored profiles.
func (pr *FakeProfileRepo) Count() int {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return len(pr.profiles)
}

// Inserts returns the number of successful inserts.
func (pr *FakeProfileRepo) Inserts() int {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return pr.inserts
}
