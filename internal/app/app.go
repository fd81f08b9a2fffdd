// Package app wires configuration, storage, counters, and HTTP surfaces into
// a runnable relay server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/costrelay/costrelay/internal/alerting"
	"github.com/costrelay/costrelay/internal/api"
	"github.com/costrelay/costrelay/internal/auth"
	"github.com/costrelay/costrelay/internal/budget"
	"github.com/costrelay/costrelay/internal/cache"
	"github.com/costrelay/costrelay/internal/config"
	"github.com/costrelay/costrelay/internal/counter"
	"github.com/costrelay/costrelay/internal/db"
	"github.com/costrelay/costrelay/internal/fallback"
	"github.com/costrelay/costrelay/internal/keys"
	"github.com/costrelay/costrelay/internal/models"
	"github.com/costrelay/costrelay/internal/observability"
	"github.com/costrelay/costrelay/internal/proxy"
	"github.com/costrelay/costrelay/internal/ratelimit"
	"github.com/costrelay/costrelay/internal/router"
	"github.com/costrelay/costrelay/internal/store"
)

// ConfigExists reports whether a config file is present at the path.
func ConfigExists(configPath string) bool {
	info, errStat := os.Stat(configPath)
	return errStat == nil && !info.IsDir()
}

// Migrate opens the database and runs migrations without starting the server.
func Migrate(cfg config.Config) error {
	dsn, errDSN := cfg.DSN()
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the relay and blocks until ctx is cancelled or the HTTP
// server fails.
func RunServer(ctx context.Context, cfg config.Config) error {
	dsn, errDSN := cfg.DSN()
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	durable := store.NewStore(conn)

	sealer, errSealer := keys.NewSealer(cfg.CredentialKey)
	if errSealer != nil {
		return fmt.Errorf("credential key: %w", errSealer)
	}
	if errSeed := seedAdmin(ctx, durable, cfg.Admin); errSeed != nil {
		return errSeed
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if errPing := redisClient.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("redis unreachable at startup, counters fall back to memory")
		}
	} else {
		log.Warn("no redis configured, counters are process-local")
	}

	memory := counter.NewMemoryStore(cfg.Cache.MemoryEntryCap)
	var counters counter.Store = memory
	if redisClient != nil {
		counters = counter.NewManager(counter.NewRedisStore(redisClient, cfg.Redis.Prefix), memory)
	}

	notifier := buildNotifier(durable, cfg.Alerting)
	enforcer := budget.NewEnforcer(counters)
	reconciler := budget.NewReconciler(durable, enforcer, cfg.ReconcileInterval)
	cacheEngine := cache.NewEngine(counters, time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.SemanticThreshold, cfg.Cache.SemanticBucketCap)
	upstream := fallback.NewEngine(
		&http.Client{Timeout: cfg.UpstreamTimeout},
		cfg.Fallback.AttemptTimeout,
		cfg.Fallback.BackoffBase,
		cfg.Fallback.BackoffCap,
	)

	var dispatcher *observability.Dispatcher
	if cfg.Observability.SinkURL != "" {
		dispatcher = observability.NewDispatcher(
			cfg.Observability.SinkURL,
			counters,
			cfg.Observability.OrgEventsPerMin,
			cfg.Observability.FlushInterval,
			cfg.Observability.BatchSize,
		)
		dispatcher.Start()
		defer dispatcher.Close()
	}

	forwarder := proxy.NewForwarder(
		keys.NewResolver(conn, sealer, cfg.TokenSalt),
		ratelimit.NewManager(redisClient, cfg.Redis.Prefix, nil),
		router.New(cfg.Router.MaxSimpleTokens, cfg.Router.MaxSimpleSystemLen),
		cacheEngine,
		enforcer,
		upstream,
		durable,
		dispatcher,
		notifier,
	)
	admin := api.NewHandler(durable, sealer, cfg.TokenSalt, cfg.JWT.Secret, cfg.JWT.Expiry, cacheEngine, reconciler)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	forwarder.Register(engine)
	admin.Register(engine)

	go reconciler.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("relay listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown incomplete")
		}
		return nil
	}
}

// seedAdmin creates the configured admin account when no accounts exist.
func seedAdmin(ctx context.Context, durable *store.Store, cfg config.AdminConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	_, errFind := durable.AdminByUsername(ctx, cfg.Username)
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, store.ErrNotFound) {
		return errFind
	}
	hashed, errHash := auth.HashPassword(cfg.Password)
	if errHash != nil {
		return errHash
	}
	if errCreate := durable.CreateAdmin(ctx, &models.Admin{Username: cfg.Username, Password: hashed}); errCreate != nil {
		return errCreate
	}
	log.WithField("username", cfg.Username).Info("seeded admin account")
	return nil
}

// buildNotifier assembles the alert sinks: structured log, the durable alert
// table, and an optional webhook.
func buildNotifier(durable *store.Store, cfg config.AlertingConfig) alerting.Notifier {
	sinks := alerting.Multi{alerting.LogNotifier{}, storeNotifier(durable)}
	if webhook := alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout); webhook != nil {
		sinks = append(sinks, webhook)
	}
	return sinks
}

// storeNotifier persists crossed thresholds for the admin alert listing.
func storeNotifier(durable *store.Store) alerting.Notifier {
	return alerting.Func(func(ctx context.Context, alert alerting.Alert) {
		row := &models.BudgetAlert{
			OrgID:        alert.OrgID,
			Level:        alert.Level,
			Threshold:    alert.Threshold,
			Period:       alert.Bucket,
			CurrentSpend: alert.CurrentSpend,
			BudgetLimit:  alert.Limit,
		}
		if alert.Level == budget.LevelKey {
			if id, errParse := strconv.ParseUint(alert.LayerID, 10, 64); errParse == nil {
				row.ProxyKeyID = id
			}
		}
		if errCreate := durable.CreateBudgetAlert(ctx, row); errCreate != nil {
			log.WithError(errCreate).Warn("budget alert persist failed")
		}
	})
}
