// Package fakebackend is an in-memory identity.Backend. It keeps accounts, passcodes,
// recovery tokens and the current session in process so the session core can be
// exercised without a network.
package fakebackend

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var _ identity.Backend = (*Backend)(nil)

const (
	minPasswordLength = 6
	otpDigits         = 6
	authorizeURL      = "https://idp.fake.local/authorize"
)

// LinkStyle selects how recovery tokens are encoded in emailed links.
type LinkStyle int

const (
	LinkFragment LinkStyle = iota // #access_token=...&type=recovery
	LinkQuery                     // ?code=...
)

// MessageKind identifies a message the backend "sent".
type MessageKind string

const (
	MessageLoginCode    MessageKind = "login_code"
	MessageSignupCode   MessageKind = "signup_code"
	MessageRecoveryLink MessageKind = "recovery_link"
)

// Message is an outbound email recorded in the outbox.
type Message struct {
	To   string
	Kind MessageKind
	Code string // passcode for code messages
	Link string // full link for recovery messages
	Sent time.Time
}

type account struct {
	id           string
	email        string
	displayName  string
	passwordHash string
	confirmed    bool
}

type otpEntry struct {
	code    string
	otpType identity.OTPType
	expires time.Time
}

type oauthPending struct {
	provider   string
	redirectTo string
}

// Backend is the in-memory identity service.
type Backend struct {
	mu               sync.Mutex
	accounts         map[string]*account // email -> account
	codes            map[string]otpEntry // email -> outstanding passcode
	usedRecovery     map[string]bool     // recovery token id -> consumed
	oauthStates      map[string]oauthPending
	oauthCodes       map[string]string // authorization code -> account email
	outbox           []Message
	current          *identity.Session
	listeners        map[string]func(identity.Event)
	signingKey       []byte
	sessionTTL       time.Duration
	otpTTL           time.Duration
	recoveryTTL      time.Duration
	requireConfirm   bool
	linkStyle        LinkStyle
	providers        map[string]bool
	userLookupErr    error
	otpSendErr       error
	nowTime          func() time.Time
	calls            map[string]int
	initialDelivered bool
	emitInitial      bool
}

// Option configures the fake backend.
type Option func(*Backend)

// WithUser seeds a confirmed account.
func WithUser(email, password, displayName string) Option {
	return func(b *Backend) {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		b.accounts[normalizeEmail(email)] = &account{
			id:           uuid.New().String(),
			email:        normalizeEmail(email),
			displayName:  displayName,
			passwordHash: string(hash),
			confirmed:    true,
		}
	}
}

// WithEmailConfirmation makes SignUp send a confirmation passcode instead of signing in.
func WithEmailConfirmation() Option {
	return func(b *Backend) { b.requireConfirm = true }
}

// WithRecoveryLinkStyle selects the recovery link encoding.
func WithRecoveryLinkStyle(style LinkStyle) Option {
	return func(b *Backend) { b.linkStyle = style }
}

// WithProviders sets the enabled federated providers.
func WithProviders(providers ...string) Option {
	return func(b *Backend) {
		for _, p := range providers {
			b.providers[p] = true
		}
	}
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(b *Backend) { b.nowTime = nowFunc }
}

// WithRecoveryTTL sets how long recovery tokens stay valid.
func WithRecoveryTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.recoveryTTL = ttl }
}

// WithInitialSessionEvent makes the first subscriber receive an INITIAL_SESSION event,
// like backends that replay the current session on subscription.
func WithInitialSessionEvent() Option {
	return func(b *Backend) { b.emitInitial = true }
}

// New creates an empty in-memory backend.
func New(options ...Option) *Backend {
	b := &Backend{
		accounts:     make(map[string]*account),
		codes:        make(map[string]otpEntry),
		usedRecovery: make(map[string]bool),
		oauthStates:  make(map[string]oauthPending),
		oauthCodes:   make(map[string]string),
		listeners:    make(map[string]func(identity.Event)),
		signingKey:   []byte(uuid.New().String()),
		sessionTTL:   time.Hour,
		otpTTL:       10 * time.Minute,
		recoveryTTL:  time.Hour,
		providers:    make(map[string]bool),
		nowTime:      time.Now,
		calls:        make(map[string]int),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

func (b *Backend) SignInWithPassword(_ context.Context, email, password string) (*identity.Session, error) {
	b.mu.Lock()
	b.calls["SignInWithPassword"]++
	acc, ok := b.accounts[normalizeEmail(email)]
	if !ok || !acc.confirmed || bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(password)) != nil {
		b.mu.Unlock()
		return nil, identity.ErrInvalidCredentials
	}
	session, err := b.newSessionLocked(acc)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.emit(identity.Event{Kind: identity.EventSignedIn, Session: session})
	return session, nil
}

func (b *Backend) SignUp(_ context.Context, req identity.SignUpRequest) (*identity.Session, error) {
	email := normalizeEmail(req.Email)

	b.mu.Lock()
	b.calls["SignUp"]++
	if existing, ok := b.accounts[email]; ok && existing.confirmed {
		b.mu.Unlock()
		return nil, identity.ErrUserExists
	}
	if len(req.Password) < minPasswordLength {
		b.mu.Unlock()
		return nil, identity.ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "[fakebackend.SignUp] hash password")
	}
	acc := &account{
		id:           uuid.New().String(),
		email:        email,
		displayName:  req.DisplayName,
		passwordHash: string(hash),
		confirmed:    !b.requireConfirm,
	}
	b.accounts[email] = acc

	if b.requireConfirm {
		err := b.sendCodeLocked(email, identity.OTPTypeSignup, MessageSignupCode)
		b.mu.Unlock()
		return nil, err
	}
	session, err := b.newSessionLocked(acc)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.emit(identity.Event{Kind: identity.EventSignedIn, Session: session})
	return session, nil
}

func (b *Backend) SignInWithOTP(_ context.Context, req identity.OTPRequest) error {
	email := normalizeEmail(req.Email)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignInWithOTP"]++

	if b.otpSendErr != nil {
		return b.otpSendErr
	}
	if _, ok := b.accounts[email]; !ok {
		if !req.CreateUser {
			return identity.ErrUserNotFound
		}
		b.accounts[email] = &account{id: uuid.New().String(), email: email}
	}
	return b.sendCodeLocked(email, identity.OTPTypeEmail, MessageLoginCode)
}

func (b *Backend) VerifyOTP(_ context.Context, email, code string, otpType identity.OTPType) (*identity.Session, error) {
	email = normalizeEmail(email)

	b.mu.Lock()
	b.calls["VerifyOTP"]++
	entry, ok := b.codes[email]
	if !ok || entry.code != code || entry.otpType != otpType || !b.nowTime().Before(entry.expires) {
		b.mu.Unlock()
		return nil, identity.ErrInvalidOTP
	}
	delete(b.codes, email)
	acc := b.accounts[email]
	acc.confirmed = true
	session, err := b.newSessionLocked(acc)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.emit(identity.Event{Kind: identity.EventSignedIn, Session: session})
	return session, nil
}

func (b *Backend) SignInWithOAuth(_ context.Context, provider, redirectTo string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignInWithOAuth"]++

	if !b.providers[provider] {
		return "", errors.Wrapf(identity.ErrProvider, "provider %q is not enabled", provider)
	}
	state := uuid.New().String()
	b.oauthStates[state] = oauthPending{provider: provider, redirectTo: redirectTo}

	q := url.Values{}
	q.Set("provider", provider)
	q.Set("redirect_to", redirectTo)
	q.Set("state", state)
	return authorizeURL + "?" + q.Encode(), nil
}

// AuthorizeOAuth plays the external provider: it approves the pending sign-in identified
// by the authorize URL and returns the callback URL the user agent would land on.
func (b *Backend) AuthorizeOAuth(authorizeURL, email, displayName string) (string, error) {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", errors.Wrap(err, "[fakebackend.AuthorizeOAuth] parse url")
	}
	state := u.Query().Get("state")

	b.mu.Lock()
	defer b.mu.Unlock()

	pending, ok := b.oauthStates[state]
	if !ok {
		return "", identity.ErrProvider
	}
	delete(b.oauthStates, state)

	email = normalizeEmail(email)
	if _, ok := b.accounts[email]; !ok {
		b.accounts[email] = &account{id: uuid.New().String(), email: email, displayName: displayName, confirmed: true}
	}
	code := uuid.New().String()
	b.oauthCodes[code] = email

	callback, err := url.Parse(pending.redirectTo)
	if err != nil {
		return "", errors.Wrap(err, "[fakebackend.AuthorizeOAuth] parse redirect")
	}
	q := callback.Query()
	q.Set("code", code)
	callback.RawQuery = q.Encode()
	return callback.String(), nil
}

func (b *Backend) ExchangeCodeForSession(_ context.Context, code string) (*identity.Session, error) {
	b.mu.Lock()
	b.calls["ExchangeCodeForSession"]++
	email, ok := b.oauthCodes[code]
	if !ok {
		b.mu.Unlock()
		return nil, identity.ErrInvalidToken
	}
	delete(b.oauthCodes, code)
	session, err := b.newSessionLocked(b.accounts[email])
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.emit(identity.Event{Kind: identity.EventSignedIn, Session: session})
	return session, nil
}

func (b *Backend) ResetPasswordForEmail(_ context.Context, email, redirectTo string) error {
	email = normalizeEmail(email)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ResetPasswordForEmail"]++

	acc, ok := b.accounts[email]
	if !ok {
		return nil
	}
	now := b.nowTime()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   acc.id,
		Audience:  jwt.ClaimStrings{"recovery"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.recoveryTTL)),
	}).SignedString(b.signingKey)
	if err != nil {
		return errors.Wrap(err, "[fakebackend.ResetPasswordForEmail] sign token")
	}

	link, err := url.Parse(redirectTo)
	if err != nil {
		return errors.Wrap(err, "[fakebackend.ResetPasswordForEmail] parse redirect")
	}
	switch b.linkStyle {
	case LinkQuery:
		q := link.Query()
		q.Set("code", token)
		link.RawQuery = q.Encode()
	default:
		link.Fragment = "access_token=" + token + "&type=recovery"
	}
	b.outbox = append(b.outbox, Message{To: email, Kind: MessageRecoveryLink, Link: link.String(), Sent: now})
	return nil
}

func (b *Backend) ExchangeRecoveryToken(_ context.Context, token string) (*identity.Session, error) {
	b.mu.Lock()
	b.calls["ExchangeRecoveryToken"]++
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return b.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience("recovery"),
		jwt.WithTimeFunc(b.nowTime),
	)
	if err != nil || b.usedRecovery[claims.ID] {
		b.mu.Unlock()
		return nil, identity.ErrInvalidToken
	}
	b.usedRecovery[claims.ID] = true

	acc := b.accountByIDLocked(claims.Subject)
	if acc == nil {
		b.mu.Unlock()
		return nil, identity.ErrInvalidToken
	}
	session, err := b.newSessionLocked(acc)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.emit(identity.Event{Kind: identity.EventPasswordRecovery, Session: session})
	return session, nil
}

func (b *Backend) UpdatePassword(_ context.Context, password string) error {
	b.mu.Lock()
	b.calls["UpdatePassword"]++
	if b.current == nil {
		b.mu.Unlock()
		return identity.ErrNoSession
	}
	if len(password) < minPasswordLength {
		b.mu.Unlock()
		return identity.ErrWeakPassword
	}
	acc := b.accountByIDLocked(b.current.Handle.Subject)
	if acc == nil {
		b.mu.Unlock()
		return identity.ErrNoSession
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		b.mu.Unlock()
		return errors.Wrap(err, "[fakebackend.UpdatePassword] hash password")
	}
	acc.passwordHash = string(hash)
	session := b.current
	b.mu.Unlock()

	b.emit(identity.Event{Kind: identity.EventUserUpdated, Session: session})
	return nil
}

func (b *Backend) SignOut(_ context.Context) error {
	b.mu.Lock()
	b.calls["SignOut"]++
	b.current = nil
	b.mu.Unlock()

	b.emit(identity.Event{Kind: identity.EventSignedOut})
	return nil
}

func (b *Backend) GetSession(_ context.Context) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetSession"]++

	if b.current.Expired(b.nowTime()) {
		b.current = nil
	}
	return b.current, nil
}

func (b *Backend) GetUser(_ context.Context, handle identity.Handle) (*identity.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetUser"]++

	if b.userLookupErr != nil {
		return nil, b.userLookupErr
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(handle.AccessToken, claims, func(*jwt.Token) (any, error) {
		return b.signingKey, nil
	}, jwt.WithTimeFunc(b.nowTime)); err != nil {
		return nil, identity.ErrInvalidToken
	}
	sub, _ := claims.GetSubject()
	acc := b.accountByIDLocked(sub)
	if acc == nil {
		return nil, identity.ErrUserNotFound
	}
	return &identity.Metadata{
		Subject:     acc.id,
		Email:       acc.email,
		DisplayName: acc.displayName,
		Claims:      map[string]any(claims),
	}, nil
}

func (b *Backend) OnSessionChange(callback func(identity.Event)) func() {
	id := uuid.New().String()

	b.mu.Lock()
	b.listeners[id] = callback
	replay := b.emitInitial && !b.initialDelivered
	b.initialDelivered = b.initialDelivered || replay
	current := b.current
	b.mu.Unlock()

	if replay {
		go callback(identity.Event{Kind: identity.EventInitialSession, Session: current})
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Emit delivers an arbitrary event to every listener and makes its session current.
func (b *Backend) Emit(event identity.Event) {
	b.mu.Lock()
	b.current = event.Session
	b.mu.Unlock()
	b.emit(event)
}

// IssueSession signs in email without any credential check and returns the session
// without notifying listeners.
func (b *Backend) IssueSession(email string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc, ok := b.accounts[normalizeEmail(email)]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return b.newSessionLocked(acc)
}

// FailUserLookups makes GetUser return err until called again with nil.
func (b *Backend) FailUserLookups(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userLookupErr = err
}

// FailOTPSends makes SignInWithOTP return err until called again with nil.
func (b *Backend) FailOTPSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.otpSendErr = err
}

// Outbox returns a copy of every message sent so far.
func (b *Backend) Outbox() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.outbox...)
}

// LastMessage returns the most recent message sent to email.
func (b *Backend) LastMessage(email string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	email = normalizeEmail(email)
	for i := len(b.outbox) - 1; i >= 0; i-- {
		if b.outbox[i].To == email {
			return b.outbox[i], true
		}
	}
	return Message{}, false
}

// Calls returns how many times the named backend operation has been invoked.
func (b *Backend) Calls(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[operation]
}

// HasAccount reports whether an account exists for email.
func (b *Backend) HasAccount(email string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.accounts[normalizeEmail(email)]
	return ok
}

func (b *Backend) emit(event identity.Event) {
	b.mu.Lock()
	listeners := make([]func(identity.Event), 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

func (b *Backend) newSessionLocked(acc *account) (*identity.Session, error) {
	now := b.nowTime()
	expires := now.Add(b.sessionTTL)
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   acc.id,
		"email": acc.email,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
		"sid":   uuid.New().String(),
	}).SignedString(b.signingKey)
	if err != nil {
		return nil, errors.Wrap(err, "[fakebackend] sign access token")
	}
	b.current = &identity.Session{
		Handle: identity.Handle{
			Subject:      acc.id,
			AccessToken:  accessToken,
			RefreshToken: uuid.New().String(),
		},
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	return b.current, nil
}

func (b *Backend) sendCodeLocked(email string, otpType identity.OTPType, kind MessageKind) error {
	code, err := numericCode(otpDigits)
	if err != nil {
		return errors.Wrap(err, "[fakebackend] generate passcode")
	}
	now := b.nowTime()
	b.codes[email] = otpEntry{code: code, otpType: otpType, expires: now.Add(b.otpTTL)}
	b.outbox = append(b.outbox, Message{To: email, Kind: kind, Code: code, Sent: now})
	return nil
}

func (b *Backend) accountByIDLocked(id string) *account {
	for _, acc := range b.accounts {
		if acc.id == id {
			return acc
		}
	}
	return nil
}

func numericCode(digits int) (string, error) {
	var sb strings.Builder
	for range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%d", n.Int64())
	}
	return sb.String(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
