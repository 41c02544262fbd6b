package profiles

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// MetadataSource returns what the identity service knows about a principal.
type MetadataSource interface {
	GetUser(ctx context.Context, handle identity.Handle) (*identity.Metadata, error)
}

// Resolver maps identity handles onto profiles, creating a consumer profile on first sight.
type Resolver struct {
	repo    Repo
	source  MetadataSource
	group   singleflight.Group
	timeout time.Duration
	nowTime func() time.Time
	logger  zerolog.Logger
}

// DefaultResolveTimeout bounds one shared resolution, independent of the callers waiting on it.
const DefaultResolveTimeout = 15 * time.Second

// ResolverOption modifies a Resolver.
type ResolverOption func(*Resolver)

// WithNowTime sets the clock used for CreatedAt (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ResolverOption {
	return func(r *Resolver) { r.nowTime = nowFunc }
}

// WithResolveTimeout changes DefaultResolveTimeout.
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a Resolver over repo, fetching identity metadata from source.
func NewResolver(repo Repo, source MetadataSource, options ...ResolverOption) (*Resolver, error) {
	if repo == nil {
		return nil, errors.New("[NewResolver] profile repo is required")
	}
	if source == nil {
		return nil, errors.New("[NewResolver] metadata source is required")
	}
	r := &Resolver{
		repo:    repo,
		source:  source,
		timeout: DefaultResolveTimeout,
		nowTime: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Resolve returns the profile for handle, provisioning one if none exists. It returns an
// error wrapping ErrNotFound when the identity metadata needed to provision is unavailable.
func (r *Resolver) Resolve(ctx context.Context, handle identity.Handle) (*UserProfile, error) {
	return r.do(ctx, handle, "")
}

// Provision is Resolve with a display name hint, used when a flow has just created the
// account and knows the name the user typed.
func (r *Resolver) Provision(ctx context.Context, handle identity.Handle, displayName string) (*UserProfile, error) {
	return r.do(ctx, handle, displayName)
}

func (r *Resolver) do(ctx context.Context, handle identity.Handle, displayName string) (*UserProfile, error) {
	if handle.Subject == "" {
		return nil, errors.Wrap(ErrNotFound, "[Resolver.Resolve] empty subject")
	}
	// Concurrent callers share one resolution, so it runs detached from any single caller's
	// cancellation; each caller still stops waiting when its own context ends.
	results := r.group.DoChan(handle.Subject, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolve(shared, handle, displayName)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		profile := *res.Val.(*UserProfile)
		return &profile, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "[Resolver.Resolve] caller gave up")
	}
}

func (r *Resolver) resolve(ctx context.Context, handle identity.Handle, displayName string) (*UserProfile, error) {
	existing, err := r.repo.GetByID(ctx, handle.Subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "[Resolver.resolve] repo.GetByID")
	}

	meta, err := r.source.GetUser(ctx, handle)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", handle.Subject).Msg("identity metadata unavailable")
		return nil, errors.Wrap(ErrNotFound, "[Resolver.resolve] identity metadata unavailable")
	}
	if displayName == "" {
		displayName = meta.DisplayName
	}

	profile := &UserProfile{
		UserID:      handle.Subject,
		DisplayName: DisplayNameFor(displayName, meta.Email),
		Email:       meta.Email,
		Role:        RoleConsumer,
		IsVerified:  true,
		CreatedAt:   r.nowTime().UTC(),
	}
	err = r.repo.Insert(ctx, profile)
	switch {
	case err == nil:
		r.logger.Info().Str("user_id", profile.UserID).Msg("provisioned user profile")
		return profile, nil
	case errors.Is(err, ErrConflict):
		// Another writer provisioned first; its row wins.
		stored, err := r.repo.GetByID(ctx, handle.Subject)
		if err != nil {
			return nil, errors.Wrap(err, "[Resolver.resolve] re-read after conflict")
		}
		return stored, nil
	default:
		return nil, errors.Wrap(err, "[Resolver.resolve] repo.Insert")
	}
}
