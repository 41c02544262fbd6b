// Package session owns the process-wide authentication state. A single Coordinator
// merges the identity service's session-change stream with a startup session probe,
// resolves the application profile for the signed-in principal and publishes immutable
// AuthState snapshots to any number of readers.
package session

import (
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
)

// AuthState is an immutable snapshot of who is signed in. Readers must not modify the
// pointed-to values.
type AuthState struct {
	Session   *identity.Session
	Profile   *profiles.UserProfile
	IsLoading bool
}

// IsAuthenticated reports whether there is both a session and a resolved profile. A
// session whose profile could not be resolved is not authenticated.
func (s AuthState) IsAuthenticated() bool {
	return s.Session != nil && s.Profile != nil
}

// UserID returns the subject of the current session, or "".
func (s AuthState) UserID() string {
	return s.Session.Subject()
}

func initialState() AuthState {
	return AuthState{IsLoading: true}
}
