package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/api"
	"github.com/technosupport/esimd/internal/audit"
	"github.com/technosupport/esimd/internal/auth"
	"github.com/technosupport/esimd/internal/clock"
	"github.com/technosupport/esimd/internal/config"
	"github.com/technosupport/esimd/internal/crypto"
	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/events"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/logging"
	"github.com/technosupport/esimd/internal/manager"
	"github.com/technosupport/esimd/internal/middleware"
	"github.com/technosupport/esimd/internal/policy"
	"github.com/technosupport/esimd/internal/ratelimit"
	"github.com/technosupport/esimd/internal/shill"
	"github.com/technosupport/esimd/internal/tokens"
)

const serviceName = "esimd"

func main() {
	configPath := flag.String("config", "config/default.yaml", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Logger init error: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("esimd exited", zap.Error(err))
	}
	logger.Info("esimd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Auth.SigningKey == "" {
		return errors.New("auth.signing_key (ESIMD_AUTH_SIGNING_KEY) is required")
	}

	// 1. Daemon clients share one system bus connection.
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()
	hermesClient := hermes.NewDBusClient(conn, logger)
	shillClient := shill.NewDBusClient(conn, logger)

	// 2. Core components
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	c, err := startCore(ctx, cfg, hermesClient, shillClient, store, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer c.shutdown()
	profiles, policies, mgr := c.profiles, c.policies, c.manager

	// 3. Off-process notifications
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			logger.Warn("NATS connect failed, notifications disabled", zap.Error(err))
		} else {
			defer nc.Close()
			pub := events.NewNATSPublisher(nc, cfg.NATS.Subject, cfg.NATS.PublishRetryMax).WithRetryDelay(cfg.NATS.RetryDelay)
			startRelay(ctx, pub, profiles, policies, mgr, logger)
			logger.Info("publishing notifications", zap.String("subject", cfg.NATS.Subject))
		}
	}

	// 4. HTTP API
	deps := api.Deps{
		Manager:  mgr,
		Policy:   policies,
		Profiles: profiles,
		Tokens:   tokens.NewManager(cfg.Auth.SigningKey, cfg.Auth.Issuer),
		Logger:   logger,
	}
	if cfg.Limits.Enabled || cfg.Auth.Revocation {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.Redis.Addr, Password: cfg.Store.Redis.Password})
		defer rdb.Close()
		if cfg.Limits.Enabled {
			limiter := ratelimit.NewLimiter(rdb, cfg.Store.Redis.Prefix+":ratelimit", cfg.Limits.Salt)
			deps.RateLimit = middleware.NewRateLimit(limiter, cfg.Limits.LimitConfig, logger)
		}
		if cfg.Auth.Revocation {
			deps.Revocations = auth.NewRedisRevocations(rdb, cfg.Store.Redis.Prefix)
		}
	}

	if cfg.Audit.Enabled {
		db, err := sql.Open("postgres", cfg.Store.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer db.Close()
		spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB*1024*1024)
		if err != nil {
			return err
		}
		svc := audit.NewService(db, spool, logger)
		svc.StartReplayer(ctx, cfg.Audit.ReplayInterval)
		auditLog := middleware.NewAudit(svc, logger)
		defer auditLog.Close()
		deps.AuditLog = auditLog
		deps.Audit = svc
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (data.Store, error) {
	var store data.Store
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := data.OpenRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		store = s
	case config.BackendPostgres:
		s, err := data.OpenPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		store = s
	default:
		return nil, nil
	}

	if len(cfg.Encryption.Keys) == 0 {
		return store, nil
	}
	ring, err := crypto.NewKeyring(cfg.Encryption.Keys, cfg.Encryption.ActiveKID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load store keyring: %w", err)
	}
	logger.Info("activation codes sealed at rest", zap.String("kid", ring.ActiveKID()))
	return data.NewSealedStore(store, ring, logger), nil
}

// startRelay forwards in-process notifications to NATS. Subscribers only
// enqueue so a slow broker never stalls the handlers that publish.
func startRelay(ctx context.Context, pub *events.NATSPublisher, profiles *esim.ProfileHandler, policies *policy.Handler, mgr *manager.Manager, logger *zap.Logger) {
	queue := make(chan events.Notification, 256)
	enqueue := func(n events.Notification) {
		select {
		case queue <- n:
		default:
			logger.Warn("notification queue full, dropping", zap.String("type", n.Type))
		}
	}

	subs := []*events.Subscription{
		profiles.Subscribe(func(p []data.ESimProfile) {
			enqueue(events.Notification{Type: events.TypeProfilesUpdated, Payload: p})
		}),
		policies.SubscribePoliciesApplied(func() {
			enqueue(events.Notification{Type: events.TypePoliciesApplied})
		}),
		mgr.Subscribe(func(c manager.Change) {
			enqueue(events.Notification{Type: events.TypeFacadeChange, Payload: c})
		}),
	}

	go func() {
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-queue:
				if err := pub.Publish(n); err != nil {
					logger.Warn("notification publish failed", zap.String("type", n.Type), zap.Error(err))
				}
			}
		}
	}()
}
