// Package profiles holds the application-level user record and the resolver that maps a
// signed-in identity onto it, provisioning a profile the first time an identity is seen.
package profiles

import (
	"strings"
	"time"
)

// Role is the application role of a profile.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleAdmin    Role = "admin"
)

// UserProfile is the application record for a principal, keyed by the identity subject id.
type UserProfile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsAdmin reports whether the profile has the admin role.
func (p *UserProfile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// DisplayNameFor picks a display name: the supplied name when present, otherwise the
// local part of the email.
func DisplayNameFor(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
