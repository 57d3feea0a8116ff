package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/sikapay/backend-core/db"
	"github.com/sikapay/backend-core/internal/account"
	"github.com/sikapay/backend-core/internal/auth"
	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/config"
	"github.com/sikapay/backend-core/internal/fx"
	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/health"
	"github.com/sikapay/backend-core/internal/intent"
	"github.com/sikapay/backend-core/internal/lock"
	"github.com/sikapay/backend-core/internal/notify"
	"github.com/sikapay/backend-core/internal/obs"
	"github.com/sikapay/backend-core/internal/ratelimit"
	"github.com/sikapay/backend-core/internal/resilience"
	"github.com/sikapay/backend-core/internal/webhook"
	"github.com/sikapay/backend-core/internal/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "sikapay-api",
			Endpoint:      cfg.TracingEndpoint,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "sikapay-api"
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	adapters := buildAdapters(cfg, logger)
	converter := fx.Converter{
		Primary:         fx.ConvertAPI{BaseURL: cfg.RatePrimaryURL, Client: &http.Client{Timeout: cfg.RateTimeout}},
		Fallback:        fx.LatestRatesAPI{BaseURL: cfg.RateFallbackURL, Client: &http.Client{Timeout: cfg.RateTimeout}},
		DisplayCurrency: cfg.DisplayCurrency,
		Logger:          logger,
	}
	accounts := account.NewClient(cfg.AccountServiceURL, cfg.AccountServiceToken, cfg.CollaboratorTimeout)
	notifier := notify.NewClient(cfg.NotifyServiceURL, cfg.NotifyServiceToken, cfg.CollaboratorTimeout, logger)
	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}

	intentSvc := &intent.Service{
		Repo:            &intent.Store{Pool: pool},
		Adapters:        adapters,
		Convert:         converter,
		Logger:          logger,
		NotifyBaseURL:   cfg.PublicBaseURL,
		ReturnURL:       cfg.ReturnURL,
		CallbackTimeout: cfg.CallbackTimeout,
	}
	withdrawalSvc := &withdrawal.Service{
		Repo:           &withdrawal.Store{Pool: pool},
		Accounts:       accounts,
		Notify:         notifier,
		Adapters:       adapters,
		Convert:        converter,
		Locker:         locker,
		Logger:         logger,
		NotifyBaseURL:  cfg.PublicBaseURL,
		LedgerCurrency: cfg.LedgerCurrency,
		FeePct:         cfg.WithdrawalFeePct,
		DailyCap:       cfg.WithdrawalCap,
		OTPTTL:         cfg.OTPTTL,
		LockTTL:        cfg.LockTTL,
	}

	validate := validator.New()
	intentHandler := &intent.Handler{Svc: intentSvc, Validate: validate}
	withdrawalHandler := &withdrawal.Handler{Svc: withdrawalSvc, Validate: validate}
	ingress := webhook.Ingress{
		Intents:     intentSvc,
		Withdrawals: withdrawalSvc,
		Adapters:    adapters,
		Replay:      redisClient,
		ReplayTTL:   cfg.WebhookReplayTTL,
		Logger:      logger,
	}

	authMiddleware := auth.Middleware{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	withdrawLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient},
		Config: ratelimit.Config{
			Key: func(r *http.Request) string {
				if uid, ok := common.UserID(r.Context()); ok && uid != "" {
					return "rl:withdraw:" + uid
				}
				return "rl:withdraw:ip:" + common.ClientIP(r)
			},
			Window: cfg.WithdrawRateWindow,
			Max:    cfg.WithdrawRateMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	globalRate, err := limiter.NewRateFromFormatted(cfg.GlobalRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Str("value", cfg.GlobalRateLimit).Msg("parse global rate limit")
	}
	limiterStore, err := limiterredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "rl:global",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise limiter store")
	}
	globalLimiter := limiterstdlib.NewMiddleware(limiter.New(limiterStore, globalRate))

	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(globalLimiter.Handler)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if envBool("SECURE_ENABLE_PPROF", false) {
		user := os.Getenv("SECURE_PPROF_BASIC_AUTH_USER")
		pass := os.Getenv("SECURE_PPROF_BASIC_AUTH_PASS")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{Checker: readinessChecker{db: pool, redis: redisClient}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	ingress.Routes(r)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments/intents", func(p chi.Router) {
			p.Use(authMiddleware.RequireAuth)
			p.With(idem.Middleware).Post("/", intentHandler.Create)
			p.Post("/{sessionId}/submit", intentHandler.Submit)
			p.Post("/{sessionId}/reset", intentHandler.Reset)
			p.Get("/{sessionId}", intentHandler.Get)
		})

		v.Route("/withdrawals", func(wr chi.Router) {
			wr.Use(authMiddleware.RequireAuth)
			wr.With(idem.Middleware, withdrawLimit.Middleware).Post("/", withdrawalHandler.Initiate)
			wr.Post("/{transactionId}/verify", withdrawalHandler.Verify)
			wr.Post("/{transactionId}/cancel", withdrawalHandler.Cancel)
			wr.Get("/{transactionId}", withdrawalHandler.Get)
		})

		v.Route("/admin", func(a chi.Router) {
			a.Use(authMiddleware.RequireAuth)
			a.Use(authMiddleware.RequireAdmin)
			a.Post("/withdrawals", withdrawalHandler.AdminWithdraw)
			a.Post("/payouts", withdrawalHandler.AdminPayout)
			a.Get("/transactions/{transactionId}", withdrawalHandler.AdminGet)
			a.Delete("/payments/intents/{sessionId}", intentHandler.Archive)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func buildAdapters(cfg *config.Config, logger zerolog.Logger) map[gateway.Gateway]gateway.Adapter {
	client := func(target string) resilience.HTTPClient {
		return resilience.HTTPClient{
			Client:      &http.Client{},
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget(target).WithLogger(logger),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     cfg.GatewayTimeout,
		}
	}

	cinetpay := gateway.NewCinetPay(cfg.CinetPayAPIKey, cfg.CinetPaySiteID, cfg.CinetPaySecret, cfg.CinetPayBaseURL, client("cinetpay"), cfg.TokenExpiryGrace)
	pawapay := &gateway.PawaPayAdapter{
		Token:   cfg.PawaPayToken,
		BaseURL: cfg.PawaPayBaseURL,
		HTTP:    client("pawapay"),
	}
	nowpayments := &gateway.NowPaymentsAdapter{
		APIKey:    cfg.NowPaymentsKey,
		IPNSecret: cfg.NowPaymentsIPN,
		BaseURL:   cfg.NowPaymentsBase,
		HTTP:      client("nowpayments"),
	}

	return map[gateway.Gateway]gateway.Adapter{
		gateway.CinetPay:    cinetpay,
		gateway.PawaPay:     pawapay,
		gateway.NowPayments: nowpayments,
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func runMigrations(databaseURL string) error {
	source, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return err
	}
	url := databaseURL
	if strings.HasPrefix(url, "postgres://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgres://")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	return http.StripPrefix("/debug/pprof", mux)
}

func protectPprof(next http.Handler, user, pass string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user == "" || pass == "" {
			http.NotFound(w, r)
			return
		}
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
