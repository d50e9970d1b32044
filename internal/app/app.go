package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"verifyhub/internal/config"
	"verifyhub/internal/handlers"
	"verifyhub/internal/metrics"
	"verifyhub/internal/middleware"
	"verifyhub/internal/models"
	"verifyhub/internal/provider"
	"verifyhub/internal/ratelimit"
	"verifyhub/internal/realtime"
	"verifyhub/internal/repositories"
	"verifyhub/internal/repositories/memory"
	"verifyhub/internal/resilience"
	"verifyhub/internal/routes"
	"verifyhub/internal/services"
)

var logger = loggo.GetLogger("verifyhub.app")

// App holds every long-lived component of the service.
type App struct {
	cfg   *config.Config
	store repositories.Store

	Auth          *middleware.Authenticator
	Breakers      *resilience.Registry
	Hub           *realtime.Hub
	Metrics       *metrics.Collector
	Ledger        *services.LedgerService
	Verifications *services.VerificationService
	Rentals       *services.RentalService
	Sweeper       *services.Sweeper

	router *gin.Engine
}

// ConfigureLogging applies the configured level to every verifyhub logger.
func ConfigureLogging(level string) error {
	if level == "" {
		level = "INFO"
	}
	if err := loggo.ConfigureLoggers(fmt.Sprintf("<root>=WARNING;verifyhub=%s", level)); err != nil {
		return errors.Annotatef(err, "log level %q", level)
	}
	return nil
}

// OpenStore connects the configured store and runs migrations when asked.
// The returned *sql.DB is nil for the memory driver.
func OpenStore(ctx context.Context, cfg *config.Config) (repositories.Store, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warningf("[app][store] using the in-memory store, nothing is persisted")
		return memory.New(), nil, nil
	}
	db, err := repositories.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := repositories.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return repositories.NewPostgresStore(db), db, nil
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pricing, err := cfg.Pricing()
	if err != nil {
		return nil, err
	}
	store, db, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, errors.Annotate(err, "open store")
	}

	a := &App{cfg: cfg, store: store}
	a.Metrics = metrics.NewCollector()
	alerts := services.NewAlertService(
		cfg.Alerts.SMTPHost,
		cfg.Alerts.SMTPPort,
		cfg.Alerts.SMTPUser,
		cfg.Alerts.SMTPPassword,
		cfg.Alerts.FromEmail,
		cfg.Alerts.ToEmail,
	)

	// === Provider + resilience ===
	var api provider.API
	if cfg.Provider.DryRun {
		logger.Warningf("[app][provider] dry-run mode, no calls leave the process")
		api = provider.NewDryRunClient(nil)
	} else {
		api = provider.NewClient(provider.Options{
			BaseURL:      cfg.Provider.BaseURL,
			APIKey:       cfg.Provider.APIKey,
			Username:     cfg.Provider.Username,
			Timeout:      cfg.Provider.Timeout,
			RefreshRatio: cfg.Provider.RefreshRatio,
			MaxRPS:       cfg.Provider.MaxRPS,
		})
	}
	a.Breakers = resilience.NewRegistry(resilience.Settings{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		FailureWindow:    cfg.Resilience.FailureWindow,
		Cooldown:         cfg.Resilience.Cooldown,
	}, nil, func(endpoint string, from, to models.BreakerStatus, snapshot models.BreakerState) {
		logger.Warningf("[breaker][%s] %s -> %s", endpoint, from, to)
		a.Metrics.BreakerChanged(endpoint, to)
		if to == models.BreakerOpen {
			go func() {
				if err := alerts.BreakerOpened(snapshot); err != nil {
					logger.Errorf("[alert][breaker] endpoint=%s: %v", endpoint, err)
				}
			}()
		}
	})
	a.Breakers.Register(resilience.Endpoints...)
	executor := resilience.NewExecutor(a.Breakers, resilience.Policy{
		MaxAttempts:       cfg.Resilience.MaxAttempts,
		BaseDelay:         cfg.Resilience.BaseDelay,
		MaxDelay:          cfg.Resilience.MaxDelay,
		CountClientErrors: cfg.Resilience.CountClientErrors,
	}, nil, a.Metrics)

	// === Services ===
	a.Hub = realtime.NewHub(realtime.DefaultBuffer)
	a.Hub.OnDrop = a.Metrics.SubscriberDropped
	a.Ledger = services.NewLedgerService(store, nil)
	deps := services.Deps{
		Store:     store,
		Ledger:    a.Ledger,
		Provider:  api,
		Executor:  executor,
		Publisher: a.Hub,
		Observer:  a.Metrics,
		Locks:     services.NewLocks(),
		Clock:     clock.WallClock,
		Pricing:   pricing,
	}
	a.Verifications = services.NewVerificationService(deps, cfg.Verification.TTL, cfg.Verification.AllowFree)
	a.Rentals = services.NewRentalService(deps)
	a.Sweeper = services.NewSweeper(a.Verifications, a.Rentals, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, nil)

	// === HTTP ===
	a.Auth = middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil)
	var counters ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimit.Store == "postgres" {
		counters = repositories.NewRateLimitRepository(db)
	}
	limiter := ratelimit.New(counters, cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		a.Metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.router = gin.New()
	a.router.Use(gin.Logger(), gin.Recovery(), corsMiddleware())
	routes.SetupRoutes(a.router,
		routes.Handlers{
			Verify:   handlers.NewVerifyHandler(a.Verifications, a.Ledger, a.Hub),
			Rentals:  handlers.NewRentalHandler(a.Rentals, a.Hub),
			Balance:  handlers.NewBalanceHandler(a.Ledger),
			Payments: handlers.NewPaymentHandler(a.Ledger),
			Admin:    handlers.NewAdminHandler(a.Breakers, a.Ledger),
		},
		routes.Guards{
			Auth:       a.Auth.Middleware(),
			RateLimit:  middleware.RateLimit(limiter, a.Metrics.RateLimited),
			PaymentKey: middleware.RequirePaymentKey(cfg.Payments.WebhookKeyHash),
		},
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.router
}

// Run serves HTTP and runs the sweeper until ctx is cancelled, then shuts
// both down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddress(),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.Sweeper.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("[app][run] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("[app][run] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serr := a.Sweeper.Stop(); serr != nil && err == nil {
			err = serr
		}
		return err
	})
	return g.Wait()
}

func (a *App) Close() error {
	return a.store.Close()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, "+middleware.PaymentKeyHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
