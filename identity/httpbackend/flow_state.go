package httpbackend

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrFlowStateNotFound is returned when no PKCE verifier is pending for a key.
var ErrFlowStateNotFound = errors.New("flow state not found")

// Flow state keys. Federated sign-in and recovery each keep their own pending verifier so
// one does not replace the other.
const (
	FlowKeyOAuth    = "pkce:oauth"
	FlowKeyRecovery = "pkce:recovery"
)

// FlowState is a pending PKCE exchange started by a federated sign-in or a reset request.
type FlowState struct {
	CodeVerifier string    `json:"code_verifier"`
	Provider     string    `json:"provider,omitempty"` // empty for recovery
	RedirectTo   string    `json:"redirect_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FlowStore keeps PKCE verifiers between the redirect and the code exchange. A store that
// outlives the process lets a recovery link opened later still be exchanged.
type FlowStore interface {
	Put(ctx context.Context, key string, state *FlowState) error
	// Take returns and removes the state for key. Verifiers are single use.
	Take(ctx context.Context, key string) (*FlowState, error)
}

// InMemoryFlowStore is a thread-safe in-memory FlowStore. Entries older than ttl are
// treated as missing.
type InMemoryFlowStore struct {
	mu      sync.Mutex
	states  map[string]*FlowState
	ttl     time.Duration
	nowTime func() time.Time
}

// NewInMemoryFlowStore creates an empty store. A zero ttl keeps entries until taken.
func NewInMemoryFlowStore(ttl time.Duration, nowFunc func() time.Time) *InMemoryFlowStore {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &InMemoryFlowStore{
		states:  make(map[string]*FlowState),
		ttl:     ttl,
		nowTime: nowFunc,
	}
}

// Put stores or replaces the state for key.
func (s *InMemoryFlowStore) Put(_ context.Context, key string, state *FlowState) error {
	if key == "" {
		return errors.New("[InMemoryFlowStore.Put] key cannot be empty")
	}
	if state == nil {
		return errors.New("[InMemoryFlowStore.Put] state cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[key] = &cp
	return nil
}

// Take returns and removes the state for key.
func (s *InMemoryFlowStore) Take(_ context.Context, key string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return nil, ErrFlowStateNotFound
	}
	delete(s.states, key)
	if s.ttl > 0 && s.nowTime().Sub(state.CreatedAt) > s.ttl {
		return nil, ErrFlowStateNotFound
	}
	return state, nil
}
