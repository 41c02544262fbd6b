package httpbackend_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testAPIKey = "anon-key"
	testIssuer = "https://project.example.com/auth/v1"
)

type serverUser struct {
	id       string
	email    string
	password string
	name     string
}

type pendingCode struct {
	email     string
	challenge string
}

// identityServer is a minimal GoTrue-style /auth/v1 API for exercising the client.
type identityServer struct {
	t   *testing.T
	key *rsa.PrivateKey

	mu              sync.Mutex
	users           map[string]*serverUser // email -> user
	refreshTokens   map[string]string      // refresh token -> email
	codes           map[string]pendingCode // auth code -> pending exchange
	requireConfirm  bool
	lastRecoveryFor map[string]string // email -> auth code
	logouts         int
	fail5xx         bool

	srv *httptest.Server
}

func newIdentityServer(t *testing.T) *identityServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &identityServer{
		t:               t,
		key:             key,
		users:           make(map[string]*serverUser),
		refreshTokens:   make(map[string]string),
		codes:           make(map[string]pendingCode),
		lastRecoveryFor: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", s.handleToken)
	mux.HandleFunc("POST /auth/v1/signup", s.handleSignUp)
	mux.HandleFunc("POST /auth/v1/otp", s.handleOTP)
	mux.HandleFunc("POST /auth/v1/verify", s.handleVerify)
	mux.HandleFunc("POST /auth/v1/recover", s.handleRecover)
	mux.HandleFunc("GET /auth/v1/user", s.handleGetUser)
	mux.HandleFunc("PUT /auth/v1/user", s.handleUpdateUser)
	mux.HandleFunc("POST /auth/v1/logout", s.handleLogout)
	s.srv = httptest.NewServer(s.requireAPIKey(mux))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *identityServer) URL() string { return s.srv.URL }

func (s *identityServer) addUser(email, password, name string) *serverUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &serverUser{id: uuid.New().String(), email: email, password: password, name: name}
	s.users[email] = u
	return u
}

// approve plays the federated provider: it accepts the PKCE challenge from an authorize
// URL and returns the authorization code for the callback.
func (s *identityServer) approve(challenge, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; !ok {
		s.users[email] = &serverUser{id: uuid.New().String(), email: email, name: "Federated"}
	}
	code := uuid.New().String()
	s.codes[code] = pendingCode{email: email, challenge: challenge}
	return code
}

func (s *identityServer) recoveryCode(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecoveryFor[email]
}

func (s *identityServer) accessToken(u *serverUser, ttl time.Duration) string {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   "authenticated",
		"sub":   u.id,
		"email": u.email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}).SignedString(s.key)
	require.NoError(s.t, err)
	return token
}

func (s *identityServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != testAPIKey {
			writeError(w, http.StatusUnauthorized, "no_api_key", "No API key found in request")
			return
		}
		s.mu.Lock()
		fail := s.fail5xx
		s.mu.Unlock()
		if fail {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "down for maintenance")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *identityServer) sessionFor(w http.ResponseWriter, u *serverUser) {
	refresh := uuid.New().String()
	s.refreshTokens[refresh] = u.email
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  s.accessToken(u, time.Hour),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"user":          userJSON(u),
	})
}

func (s *identityServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := s.users[body["email"]]
		if !ok || u.password != body["password"] {
			writeError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
			return
		}
		s.sessionFor(w, u)
	case "pkce":
		pending, ok := s.codes[body["auth_code"]]
		if !ok || oauth2.S256ChallengeFromVerifier(body["code_verifier"]) != pending.challenge {
			writeError(w, http.StatusBadRequest, "bad_code_verifier", "code challenge does not match previously saved code verifier")
			return
		}
		delete(s.codes, body["auth_code"])
		s.sessionFor(w, s.users[pending.email])
	case "refresh_token":
		email, ok := s.refreshTokens[body["refresh_token"]]
		if !ok {
			writeError(w, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token")
			return
		}
		delete(s.refreshTokens, body["refresh_token"])
		s.sessionFor(w, s.users[email])
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (s *identityServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string            `json:"email"`
		Password string            `json:"password"`
		Data     map[string]string `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[body.Email]; ok {
		writeError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	if len(body.Password) < 6 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters")
		return
	}
	u := &serverUser{id: uuid.New().String(), email: body.Email, password: body.Password, name: body.Data["display_name"]}
	s.users[body.Email] = u
	if s.requireConfirm {
		writeJSON(w, http.StatusOK, userJSON(u))
		return
	}
	s.sessionFor(w, u)
}

func (s *identityServer) handleOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		CreateUser bool   `json:"create_user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[body.Email]; !ok && !body.CreateUser {
		writeError(w, http.StatusUnprocessableEntity, "otp_disabled", "Signups not allowed for otp")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *identityServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[body["email"]]
	if !ok || body["token"] != "123456" {
		writeError(w, http.StatusForbidden, "otp_expired", "Token has expired or is invalid")
		return
	}
	s.sessionFor(w, u)
}

func (s *identityServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[body["email"]]; ok {
		code := uuid.New().String()
		s.codes[code] = pendingCode{email: body["email"], challenge: body["code_challenge"]}
		s.lastRecoveryFor[body["email"]] = code
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *identityServer) userFromBearer(r *http.Request) (*serverUser, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, false
	}
	email, _ := claims["email"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	return u, ok
}

func (s *identityServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.userFromBearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *identityServer) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.userFromBearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(body["password"]) < 6 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters")
		return
	}
	u.password = body["password"]
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *identityServer) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.logouts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func userJSON(u *serverUser) map[string]any {
	return map[string]any{
		"id":            u.id,
		"email":         u.email,
		"user_metadata": map[string]any{"full_name": u.name},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "error_code": code, "msg": msg})
}
