package auth

import (
	"context"
	"sync"
	"time"
)

// DefaultResendCooldown is the fixed window between two passcode requests for the same
// email and purpose.
const DefaultResendCooldown = 30 * time.Second

// CooldownStore tracks fixed resend windows by key.
type CooldownStore interface {
	// Acquire opens a window of length window for key. When a window is already open it
	// returns false and the time left in it.
	Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error)
	// Remaining returns the time left in the open window for key, or 0.
	Remaining(ctx context.Context, key string) (time.Duration, error)
	// Release closes the window for key, for example when nothing was sent.
	Release(ctx context.Context, key string) error
}

// MemoryCooldowns is a process-local CooldownStore.
type MemoryCooldowns struct {
	mu      sync.Mutex
	until   map[string]time.Time
	nowTime func() time.Time
}

var _ CooldownStore = (*MemoryCooldowns)(nil)

// NewMemoryCooldowns creates an empty store. A nil nowFunc uses time.Now.
func NewMemoryCooldowns(nowFunc func() time.Time) *MemoryCooldowns {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &MemoryCooldowns{until: make(map[string]time.Time), nowTime: nowFunc}
}

func (m *MemoryCooldowns) Acquire(_ context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowTime()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	m.until[key] = now.Add(window)
	return true, 0, nil
}

func (m *MemoryCooldowns) Remaining(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowTime()
	until, ok := m.until[key]
	if !ok || !now.Before(until) {
		delete(m.until, key)
		return 0, nil
	}
	return until.Sub(now), nil
}

func (m *MemoryCooldowns) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, key)
	return nil
}
