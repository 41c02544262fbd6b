package httpbackend

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// GrantType is the grant_type query parameter of the token endpoint.
type GrantType string

const (
	// PasswordGrant exchanges an email and password for a session.
	PasswordGrant GrantType = "password"
	// PKCEGrant exchanges an authorization code plus the code verifier for a session.
	// Used by federated sign-in and by recovery links in the query form.
	PKCEGrant GrantType = "pkce"
	// RefreshTokenGrant rotates a refresh token into a new session.
	RefreshTokenGrant GrantType = "refresh_token"
)

// CodeMethodType is the PKCE challenge method. The identity service only accepts S256.
type CodeMethodType string

const CodeMethodTypeS256 CodeMethodType = "s256"

// userResponse is the user object returned by /user and embedded in token responses.
type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// displayName picks the first name-like key from user metadata. Federated providers use
// different keys for the same thing.
func (u *userResponse) displayName() string {
	for _, key := range []string{"display_name", "full_name", "name"} {
		if v, ok := u.UserMetadata[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// tokenResponse is the token endpoint response. Sign-up with email confirmation returns
// only the user fields, with no access token.
type tokenResponse struct {
	AccessToken  string        `json:"access_token,omitempty"`
	TokenType    string        `json:"token_type,omitempty"`
	ExpiresIn    int64         `json:"expires_in,omitempty"`
	ExpiresAt    int64         `json:"expires_at,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	User         *userResponse `json:"user,omitempty"`
}

// token converts the response into an oauth2.Token with an absolute expiry.
func (t *tokenResponse) token(now time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
	}
	switch {
	case t.ExpiresAt > 0:
		tok.Expiry = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		tok.Expiry = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// errorResponse covers both error shapes the identity service has used.
type errorResponse struct {
	Code             int    `json:"code,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	Msg              string `json:"msg,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (e *errorResponse) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Error
}

func (e *errorResponse) message() string {
	for _, m := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

type passwordGrantRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type pkceGrantRequest struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
}

type refreshGrantRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type otpRequest struct {
	Email      string `json:"email"`
	CreateUser bool   `json:"create_user"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
	Type  string `json:"type"`
}

type recoverRequest struct {
	Email               string         `json:"email"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod CodeMethodType `json:"code_challenge_method,omitempty"`
}

type updateUserRequest struct {
	Password string `json:"password"`
}
