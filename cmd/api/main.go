package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"shahin-ai.com/grc-auth/internal/audit"
	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/authz"
	"shahin-ai.com/grc-auth/internal/config"
	"shahin-ai.com/grc-auth/internal/httpapi"
	"shahin-ai.com/grc-auth/internal/obs"
	"shahin-ai.com/grc-auth/internal/provider"
	"shahin-ai.com/grc-auth/internal/revocation"
	"shahin-ai.com/grc-auth/internal/store/memory"
	"shahin-ai.com/grc-auth/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// store is what the API needs from a persistence backend.
type store interface {
	auth.Store
	provider.ConfigSource
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probes := map[string]httpapi.Pinger{}

	var st store
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		st = pgStore
		probes["postgres"] = pgStore
	} else {
		log.Warn().Msg("no database dsn configured, using the in-memory store")
		st = memory.New()
	}
	defer st.Close()

	var revoked auth.RevocationList
	if cfg.Redis.Address != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := revocation.NewRedis(connectCtx, revocation.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		revoked = rdb
		probes["redis"] = rdb
	} else {
		revoked = revocation.NewMemory(time.Now)
	}

	auditLog := audit.New(cfg.Audit.BufferSize, audit.WithStore(st), audit.WithLogSink())
	defer auditLog.Close()

	policy, err := authz.New()
	if err != nil {
		log.Fatal().Err(err).Msg("load authorization policy")
	}

	hasher := auth.Hasher{Cost: cfg.Security.BcryptCost}
	registry := provider.NewRegistry(st, provider.NewLocal(st, hasher),
		provider.WithDefaults(cfg.Providers.Defaults()),
		provider.WithBreakerSettings(cfg.Providers.Breaker()),
	)

	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
		auth.WithBcryptCost(cfg.Security.BcryptCost),
		auth.WithPasswordMinLength(cfg.Security.PasswordMinLength),
		auth.WithLockoutPolicy(cfg.Lockout.Policy()),
		auth.WithSystemPolicy(policy),
		auth.WithIdentityProvider(registry),
		auth.WithEventRecorder(auditLog),
		auth.WithRevocationList(revoked),
	}
	if cfg.JWT.RS256() {
		priv, pub, err := cfg.JWT.LoadKeys()
		if err != nil {
			log.Fatal().Err(err).Msg("load jwt keys")
		}
		opts = append(opts, auth.WithRS256Keys(priv, pub), auth.WithKeyID(cfg.JWT.KeyID))
	} else {
		opts = append(opts, auth.WithTokenSecret(cfg.JWT.Secret))
	}
	svc, err := auth.NewService(st, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("build auth service")
	}

	readiness := httpapi.ReadyProbe{Deps: probes}
	api := httpapi.New(svc,
		httpapi.WithReadyProbe(readiness),
		httpapi.WithVersion(version),
		httpapi.WithServiceToken(cfg.Security.ServiceToken),
		httpapi.WithSecureCookies(cfg.Server.Production()),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins),
		httpapi.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		httpapi.WithCredentialRateLimit(cfg.Server.LoginRateLimit, cfg.Server.LoginRateWindow),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Server.GRPCAddr).Msg("grpc listen")
		}
		guard := api.Guard()
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(guard.UnaryAuth(), guard.UnaryRequirePermission(nil)))
		httpapi.NewGRPCServer(readiness).Register(grpcSrv)
		go func() {
			log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error().Err(err).Msg("grpc serve")
				stop()
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("environment", cfg.Server.Environment).Msg("starting grc-auth")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info().Msg("stopped")
}
