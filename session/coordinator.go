package session

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sourceProbe  = "probe"
	sourceStream = "stream"

	defaultResolveTimeout = 10 * time.Second
)

// SessionSource is the part of the identity service the coordinator listens to.
type SessionSource interface {
	GetSession(ctx context.Context) (*identity.Session, error)
	OnSessionChange(callback func(identity.Event)) (unsubscribe func())
}

// ProfileSource resolves the application profile for a handle.
type ProfileSource interface {
	Resolve(ctx context.Context, handle identity.Handle) (*profiles.UserProfile, error)
}

// observation is one report of the current session, from the stream or the probe. seq is
// taken when the observation is made, so a probe issued before a stream event loses to it
// no matter which result reaches the worker first.
type observation struct {
	seq     uint64
	source  string
	kind    identity.EventKind
	session *identity.Session
}

// Coordinator is the single writer of AuthState.
type Coordinator struct {
	sessions       SessionSource
	profiles       ProfileSource
	logger         zerolog.Logger
	metrics        *Metrics
	resolveTimeout time.Duration

	mu          sync.RWMutex
	state       AuthState
	lastSeq     uint64 // last sequence handed out
	appliedSeq  uint64 // sequence of the observation that produced state
	queue       []observation
	subscribers map[int]chan AuthState
	nextSubID   int
	started     bool
	stopped     bool

	wake        chan struct{}
	settled     chan struct{}
	settleOnce  sync.Once
	stopOnce    sync.Once
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithResolveTimeout bounds each profile resolution.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.resolveTimeout = d }
}

// NewCoordinator creates a coordinator in the loading state. Nothing happens until Start.
func NewCoordinator(sessions SessionSource, resolver ProfileSource, options ...Option) (*Coordinator, error) {
	if sessions == nil {
		return nil, errors.New("[NewCoordinator] session source is required")
	}
	if resolver == nil {
		return nil, errors.New("[NewCoordinator] profile source is required")
	}
	c := &Coordinator{
		sessions:       sessions,
		profiles:       resolver,
		logger:         log.Logger,
		resolveTimeout: defaultResolveTimeout,
		state:          initialState(),
		subscribers:    make(map[int]chan AuthState),
		wake:           make(chan struct{}, 1),
		settled:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c, nil
}

// Start subscribes to the session-change stream, starts the resolution worker and probes
// the current session once. It returns without waiting for either result.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("[Coordinator.Start] coordinator is stopped")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("[Coordinator.Start] already started")
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(workerCtx)

	// Subscribing can deliver a replayed event synchronously, which takes c.mu.
	unsubscribe := c.sessions.OnSessionChange(c.onSessionChange)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		unsubscribe()
		return errors.New("[Coordinator.Start] stopped while starting")
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	seq := c.nextSeq()
	go c.probe(ctx, seq)
	return nil
}

// Stop unsubscribes from the stream and stops the worker. It is safe to call more than
// once and before Start. A stopped coordinator cannot be started again.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		cancel := c.cancel
		c.queue = nil
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if cancel != nil {
			cancel()
			<-c.done
		}

		c.mu.Lock()
		for id, ch := range c.subscribers {
			close(ch)
			delete(c.subscribers, id)
		}
		c.mu.Unlock()
	})
}

// CurrentState returns the last published state.
func (c *Coordinator) CurrentState() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe returns a channel that receives the current state immediately and then every
// published state. Slow readers only see the latest state. The channel is closed by the
// returned cancel function or by Stop.
func (c *Coordinator) Subscribe() (<-chan AuthState, func()) {
	ch := make(chan AuthState, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	ch <- c.state

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			close(sub)
			delete(c.subscribers, id)
		}
	}
}

// WaitUntilReady blocks until the first state with IsLoading false has been published.
func (c *Coordinator) WaitUntilReady(ctx context.Context) (AuthState, error) {
	select {
	case <-c.settled:
		return c.CurrentState(), nil
	case <-ctx.Done():
		return c.CurrentState(), ctx.Err()
	}
}

// onSessionChange runs on the identity service's callback stack. It must not call back
// into the service, so it only records the observation for the worker.
func (c *Coordinator) onSessionChange(event identity.Event) {
	c.metrics.Observations.WithLabelValues(sourceStream, string(event.Kind)).Inc()
	c.enqueue(func(seq uint64) observation {
		return observation{seq: seq, source: sourceStream, kind: event.Kind, session: event.Session}
	})
}

func (c *Coordinator) probe(ctx context.Context, seq uint64) {
	session, err := c.sessions.GetSession(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("initial session probe failed, treating as signed out")
		session = nil
	}
	c.metrics.Observations.WithLabelValues(sourceProbe, string(identity.EventInitialSession)).Inc()
	c.push(observation{seq: seq, source: sourceProbe, kind: identity.EventInitialSession, session: session})
}

func (c *Coordinator) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq++
	return c.lastSeq
}

func (c *Coordinator) enqueue(build func(seq uint64) observation) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.lastSeq++
	c.queue = append(c.queue, build(c.lastSeq))
	c.mu.Unlock()
	c.signal()
}

func (c *Coordinator) push(obs observation) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, obs)
	c.mu.Unlock()
	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			obs, ok := c.dequeue()
			if !ok {
				break
			}
			c.process(ctx, obs)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// dequeue pops the oldest observation. Observations superseded by a newer queued one are
// dropped here since the newer one will be applied anyway.
func (c *Coordinator) dequeue() (observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) > 0 {
		obs := c.queue[0]
		c.queue = c.queue[1:]
		if obs.seq < c.appliedSeq || c.newerQueuedLocked(obs.seq) {
			c.metrics.StaleDropped.Inc()
			c.logger.Debug().Uint64("seq", obs.seq).Str("source", obs.source).Msg("dropping superseded session observation")
			continue
		}
		return obs, true
	}
	return observation{}, false
}

func (c *Coordinator) newerQueuedLocked(seq uint64) bool {
	for _, q := range c.queue {
		if q.seq > seq {
			return true
		}
	}
	return false
}

func (c *Coordinator) process(ctx context.Context, obs observation) {
	current := c.CurrentState()

	if obs.session == nil {
		c.apply(obs, AuthState{})
		return
	}

	// Same principal with a profile already resolved: refreshed tokens, nothing to look up.
	if current.Profile != nil && current.Session.Subject() == obs.session.Subject() && !current.IsLoading {
		c.apply(obs, AuthState{Session: obs.session, Profile: current.Profile})
		return
	}

	if current.Session.Subject() != obs.session.Subject() && !current.IsLoading {
		c.publishLoading(obs.seq)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
	profile, err := c.profiles.Resolve(resolveCtx, obs.session.Handle)
	cancel()
	if err != nil {
		c.metrics.ResolveFailures.Inc()
		c.logger.Error().Err(err).
			Str("user_id", obs.session.Subject()).
			Str("source", obs.source).
			Msg("profile resolution failed, session is not recognized")
		profile = nil
	}
	c.apply(obs, AuthState{Session: obs.session, Profile: profile})
}

// publishLoading marks a new sign-in as in progress while keeping the previous snapshot.
func (c *Coordinator) publishLoading(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.appliedSeq || c.stopped {
		return
	}
	next := c.state
	next.IsLoading = true
	c.publishLocked(next)
}

func (c *Coordinator) apply(obs observation, next AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if obs.seq < c.appliedSeq {
		c.metrics.StaleDropped.Inc()
		return
	}
	next.IsLoading = false
	c.appliedSeq = obs.seq
	c.publishLocked(next)

	if next.IsAuthenticated() {
		c.metrics.Authenticated.Set(1)
	} else {
		c.metrics.Authenticated.Set(0)
	}
	c.logger.Debug().
		Uint64("seq", obs.seq).
		Str("source", obs.source).
		Str("kind", string(obs.kind)).
		Str("user_id", next.UserID()).
		Bool("authenticated", next.IsAuthenticated()).
		Msg("auth state published")
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Coordinator) publishLocked(next AuthState) {
	c.state = next
	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
