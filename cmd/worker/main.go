package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sikapay/backend-core/internal/account"
	"github.com/sikapay/backend-core/internal/config"
	"github.com/sikapay/backend-core/internal/fx"
	"github.com/sikapay/backend-core/internal/gateway"
	"github.com/sikapay/backend-core/internal/lock"
	"github.com/sikapay/backend-core/internal/notify"
	"github.com/sikapay/backend-core/internal/obs"
	"github.com/sikapay/backend-core/internal/resilience"
	"github.com/sikapay/backend-core/internal/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	converter := fx.Converter{
		Primary:         fx.ConvertAPI{BaseURL: cfg.RatePrimaryURL, Client: &http.Client{Timeout: cfg.RateTimeout}},
		Fallback:        fx.LatestRatesAPI{BaseURL: cfg.RateFallbackURL, Client: &http.Client{Timeout: cfg.RateTimeout}},
		DisplayCurrency: cfg.DisplayCurrency,
		Logger:          logger,
	}

	svc := &withdrawal.Service{
		Repo:           &withdrawal.Store{Pool: pool},
		Accounts:       account.NewClient(cfg.AccountServiceURL, cfg.AccountServiceToken, cfg.CollaboratorTimeout),
		Notify:         notify.NewClient(cfg.NotifyServiceURL, cfg.NotifyServiceToken, cfg.CollaboratorTimeout, logger),
		Adapters:       buildAdapters(cfg, logger),
		Convert:        converter,
		Locker:         lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		Logger:         logger,
		NotifyBaseURL:  cfg.PublicBaseURL,
		LedgerCurrency: cfg.LedgerCurrency,
		FeePct:         cfg.WithdrawalFeePct,
		DailyCap:       cfg.WithdrawalCap,
		OTPTTL:         cfg.OTPTTL,
		LockTTL:        cfg.LockTTL,
	}
	sweeper := &withdrawal.Sweeper{
		Svc:        svc,
		Logger:     logger,
		StaleAfter: cfg.OTPSweepAfter,
		BatchSize:  cfg.ReverifyBatchSize,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for queue")
	}

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 5,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(withdrawal.TaskStaleOTPSweep, sweeper.HandleStaleOTP)
	mux.HandleFunc(withdrawal.TaskPayoutReverify, sweeper.HandlePayoutReverify)

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(every(cfg.SweepInterval), asynq.NewTask(withdrawal.TaskStaleOTPSweep, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register stale otp sweep")
	}
	if _, err := scheduler.Register(every(cfg.ReverifyInterval), asynq.NewTask(withdrawal.TaskPayoutReverify, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register payout reverify")
	}

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		srv.Shutdown()
	}()

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	logger.Info().Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("worker shutdown complete")
}

func every(interval time.Duration) string {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return fmt.Sprintf("@every %s", interval)
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

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "sikapay-worker"
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
