package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/auth/rediscooldown"
	"github.com/jrsteele09/go-auth-session/client"
	"github.com/jrsteele09/go-auth-session/identity/httpbackend"
	"github.com/jrsteele09/go-auth-session/identity/httpbackend/redisflows"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/jrsteele09/go-auth-session/profiles/pgrepo"
	fakeprofilerepo "github.com/jrsteele09/go-auth-session/profiles/repofake"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const flowStateTTL = time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("auth client stopped with error")
	}
	log.Info().Msg("auth client stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	if err := config.Validate(c); err != nil {
		return err
	}
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := newRedisClient(c)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	backend, err := newBackend(ctx, c, redisClient)
	if err != nil {
		return err
	}
	repo, closeRepo, err := newProfileRepo(ctx, c)
	if err != nil {
		return err
	}
	defer closeRepo()

	registry := prometheus.NewRegistry()
	options := []client.Option{
		client.WithAppBaseURL(c.GetAppBaseURL()),
		client.WithResendCooldown(c.GetOTPResendCooldown()),
		client.WithMetricsRegistry(registry),
	}
	if provider := c.GetOAuthProvider(); provider != "" {
		options = append(options, client.WithFederatedProvider(provider, nil))
	}
	if redisClient != nil {
		options = append(options, client.WithCooldownStore(rediscooldown.New(redisClient)))
	}

	authClient, err := client.New(backend, repo, options...)
	if err != nil {
		return err
	}
	if err := authClient.Start(ctx); err != nil {
		return err
	}
	defer authClient.Stop()

	states, unsubscribe := authClient.Subscribe()
	defer unsubscribe()
	go logStates(states)

	var metricsServer *http.Server
	if port := c.GetMetricsPort(); port != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go listenAndServe(metricsServer)
	}

	waitForStopSignal()
	if metricsServer != nil {
		returnError = shutdown(metricsServer)
	}
	return returnError
}

func newBackend(ctx context.Context, c config.Config, redisClient *redis.Client) (*httpbackend.Backend, error) {
	baseURL, err := c.GetIdentityBaseURL()
	if err != nil {
		return nil, err
	}
	apiKey, err := c.GetIdentityAPIKey()
	if err != nil {
		return nil, err
	}
	var options []httpbackend.Option
	if redisClient != nil {
		// Recovery links are often opened after this process has exited.
		options = append(options, httpbackend.WithFlowStore(redisflows.New(redisClient, flowStateTTL)))
	}
	if jwksURL := c.GetJWKSURL(); jwksURL != "" {
		options = append(options, httpbackend.WithTokenVerifier(
			httpbackend.NewTokenVerifier(ctx, c.GetTokenIssuer(), jwksURL, c.GetTokenAudience()),
		))
	}
	return httpbackend.New(baseURL, apiKey, options...)
}

func newProfileRepo(ctx context.Context, c config.Config) (profiles.Repo, func(), error) {
	dsn := c.GetDatabaseURL()
	if dsn == "" {
		log.Warn().Msg("DATABASE_URL not set, profiles are kept in memory")
		return fakeprofilerepo.NewFakeProfileRepo(), func() {}, nil
	}
	repo, err := pgrepo.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

func newRedisClient(c config.Config) *redis.Client {
	addr := c.GetRedisAddr()
	if addr == "" {
		log.Warn().Msg("REDIS_ADDR not set, cooldowns and pending sign-in flows are kept in memory")
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func logStates(states <-chan session.AuthState) {
	for s := range states {
		log.Info().
			Bool("loading", s.IsLoading).
			Bool("authenticated", s.IsAuthenticated()).
			Str("user_id", s.UserID()).
			Msg("auth state")
	}
}

func listenAndServe(server *http.Server) {
	log.Info().Msgf("Metrics listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "[authclient.shutdown] server.Shutdown")
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
