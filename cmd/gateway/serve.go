package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tripp/gateway/internal/api"
	"tripp/gateway/internal/audit"
	"tripp/gateway/internal/circuitbreaker"
	"tripp/gateway/internal/config"
	"tripp/gateway/internal/db"
	"tripp/gateway/internal/gate"
	"tripp/gateway/internal/httputil"
	"tripp/gateway/internal/identity"
	"tripp/gateway/internal/jwks"
	"tripp/gateway/internal/metrics"
	"tripp/gateway/internal/proxy"
	"tripp/gateway/internal/rate"
	"tripp/gateway/internal/session"
	"tripp/gateway/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		defer setupLogging(cfg.Logging)()

		log.Info().
			Str("config_path", path).
			Str("listen", cfg.Server.Listen).
			Str("jwks_url", cfg.Identity.JWKSURL).
			Str("issuer", cfg.Identity.Issuer).
			Str("cookie_domain", cfg.Cookie.Domain).
			Str("session_store", cfg.Session.Store).
			Int("max_sessions_per_user", cfg.Session.MaxPerUser).
			Int("rate_limit", cfg.RateLimit.Requests).
			Int("rate_window_sec", cfg.RateLimit.WindowSec).
			Bool("legacy_sessions", cfg.Legacy.Enabled()).
			Str("upstream", cfg.Upstream.Origin).
			Msg("configuration loaded")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// app holds the wired components so shutdown can release them.
type app struct {
	handler http.Handler
	sqlDB   *sql.DB
	proxy   *proxy.Handler
	auditor *audit.Logger
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	breaker := circuitbreaker.New("jwks", circuitbreaker.Config{
		FailureThreshold: cfg.Identity.Breaker.FailureThreshold,
		Timeout:          time.Duration(cfg.Identity.Breaker.TimeoutSec) * time.Second,
		OnStateChange: func(s circuitbreaker.State) {
			metrics.KeySetBreakerState.Set(float64(s))
		},
	})
	keys := jwks.New(jwks.Options{
		URL:     cfg.Identity.JWKSURL,
		TTL:     cfg.KeyCacheTTL(),
		Timeout: cfg.KeyFetchTimeout(),
		Breaker: breaker,
	})
	verifier := token.NewVerifier(keys, token.VerifierConfig{
		Issuer:     cfg.Identity.Issuer,
		Audience:   cfg.Identity.Audience,
		Skew:       cfg.Skew(),
		MinRefresh: cfg.KeyMinRefresh(),
	})

	resolverOpts := identity.Options{
		Verifier:           verifier,
		IDTokenCookie:      cfg.CookieNames.IDToken,
		SessionCookie:      cfg.CookieNames.Session,
		SoftSessionCookies: cfg.CookieNames.SoftSession,
		LegacyCookie:       cfg.CookieNames.Legacy,
		ClientIDHeader:     cfg.Identity.ClientIDHeader,
		ClientIDQuery:      cfg.Identity.ClientIDQuery,
		DefaultClientID:    cfg.Identity.DefaultClientID,
	}
	if cfg.Legacy.Enabled() {
		kr, err := token.NewKeyring(cfg.Legacy.Alg, cfg.Legacy.Keys, cfg.Legacy.CurrentKID, cfg.Legacy.Issuer,
			time.Duration(cfg.Legacy.SkewSec)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("legacy keyring: %w", err)
		}
		resolverOpts.Legacy = kr
	}
	resolver := identity.NewResolver(resolverOpts)

	a := &app{}
	ready := map[string]api.Pinger{"jwks": keySetPinger{keys}}

	var (
		store     session.Store
		auditRepo audit.Repository
	)
	switch cfg.Session.Store {
	case "postgres":
		sqlDB, err := db.Open(ctx, cfg.Session.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.sqlDB = sqlDB
		ready["postgres"] = sqlDB
		store = session.NewPostgresStore(sqlDB)
		auditRepo = audit.NewPostgresRepository(sqlDB)
	default:
		log.Warn().Msg("using in-memory session store; sessions are lost on restart")
		store = session.NewMemoryStore()
		auditRepo = audit.NewLogRepository(log.Logger)
	}
	a.auditor = audit.NewLogger(auditRepo)
	manager := session.NewManager(verifier, store, a.auditor, session.Config{
		MaxPerUser:  cfg.Session.MaxPerUser,
		TTL:         cfg.SessionTTL(),
		DefaultTier: cfg.Session.DefaultTier,
	})

	g := gate.New(resolver, rate.NewFixedWindow(cfg.RateLimit.Capacity),
		gate.Chain(gate.SizeGuard{MaxBytes: cfg.Screen.MaxBodyBytes}), cfg.RouteLimit)
	h := api.NewHandlers(manager, resolver.ClientIDOf, cfg.Cookie, cfg.CookieNames, cfg.Identity.RefreshURL)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httputil.RequestIDMiddleware(log.Logger, cfg.Server.TrustedProxyCIDRs))
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-Request-ID", cfg.Identity.ClientIDHeader},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(withCommonHeaders)

	r.Get("/healthz", api.Healthz)
	r.Get("/readyz", api.Readyz(ready))
	r.Handle("/metrics", promhttp.Handler())

	r.With(g.ByIP(api.RouteExchange)).Post(api.RouteExchange, h.Exchange)
	r.With(g.ByIP(api.RouteLogout)).Post(api.RouteLogout, h.Logout)
	r.With(g.Middleware(api.RouteIdentity)).Get(api.RouteIdentity, h.Identity)

	if cfg.Upstream.Origin != "" {
		ph, err := proxy.NewHandler(cfg.Upstream.Origin, time.Duration(cfg.Upstream.TimeoutMs)*time.Millisecond)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		a.proxy = ph
		for _, prefix := range cfg.Upstream.Routes {
			gated := r.With(g.Middleware(prefix))
			gated.Handle(prefix, ph)
			gated.Handle(prefix+"/*", ph)
		}
	}

	a.handler = r
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("tripp gateway listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.proxy != nil {
		if err := a.proxy.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("proxy shutdown error")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
		_ = srv.Close()
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func (a *app) close() {
	// Pending audit writes still need the database.
	a.auditor.Wait()
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("database close error")
		}
	}
}

// keySetPinger reports ready once the key set can be served.
type keySetPinger struct {
	keys *jwks.Cache
}

func (p keySetPinger) PingContext(ctx context.Context) error {
	_, err := p.keys.Get(ctx)
	return err
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
