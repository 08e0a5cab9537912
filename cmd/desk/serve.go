package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/live-desk/internal/api/http"
	"github.com/spec-kit/live-desk/internal/api/http/handlers"
	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/desk"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/feed"
	"github.com/spec-kit/live-desk/internal/listener"
	"github.com/spec-kit/live-desk/internal/notify"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/persistence"
	"github.com/spec-kit/live-desk/internal/queue"
	"github.com/spec-kit/live-desk/internal/repository"
	"github.com/spec-kit/live-desk/internal/service"
	"github.com/spec-kit/live-desk/internal/session"
	"github.com/spec-kit/live-desk/internal/store"
	"github.com/spec-kit/live-desk/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var seedFlags struct {
	email    string
	password string
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		f := cmd.Flags()
		f.StringVar(&seedFlags.email, "seed-admin-email", os.Getenv("SEED_ADMIN_EMAIL"), "admin created at startup when the memory store is used")
		f.StringVar(&seedFlags.password, "seed-admin-password", os.Getenv("SEED_ADMIN_PASSWORD"), "password of the seeded admin")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	var (
		pg        *persistence.Postgres
		backend   store.Documents
		operators repository.OperatorRepository
		remote    store.Store
	)
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pg, err = persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
		backend = repository.NewTicketStore(pg.PoolHandle(), clock, logger)
		operators = repository.NewOperatorRepository(pg.PoolHandle())
	default:
		mem := store.NewMemory(clock)
		backend = mem
		remote = mem
		operators = repository.NewMemoryOperators()
	}
	if redis.Enabled() {
		remote = feed.New(backend, redis.Client, "", logger)
	}

	var secondary session.Tier
	if redis.Enabled() {
		secondary = session.NewRedisTier(redis.Client, cfg.Session.KeyPrefix)
	}
	sessions := session.NewManager(session.Options{
		Primary:   session.NewMemoryTier(),
		Secondary: secondary,
		Clock:     clock,
		TTL:       cfg.Session.TTL(),
		Logger:    logger,
	})

	bus := events.NewInMemoryDispatcher(logger)
	stopAudit := worker.StartAuditWorker(bus,
		service.NewAuditService(bus, logger),
		events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, observability.Named(logger, "kafka")),
		logger)
	defer stopAudit()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes, cfg.Auth.AnonymousTokenTTLMinutes).WithClock(clock)
	authService := service.NewAuthService(*cfg, service.AuthDependencies{
		OperatorRepo: operators,
		Tokens:       tokens,
		Logger:       logger,
	})
	if cfg.Store.Driver == config.StoreDriverMemory && seedFlags.email != "" {
		if _, err := authService.CreateOperator(ctx, service.OperatorInput{
			Name:     "Administrator",
			Email:    seedFlags.email,
			Password: seedFlags.password,
			Role:     domain.RoleAdmin,
			Sector:   cfg.Queue.DefaultSector,
		}); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	tickets := service.NewTicketService(service.TicketDependencies{
		Store:      remote,
		Dispatcher: bus,
		Logger:     logger,
		Metrics:    metrics,
		Config:     cfg.Queue,
	})
	coordinator := queue.NewCoordinator(queue.Dependencies{
		Store:      remote,
		Dispatcher: bus,
		Logger:     logger,
		Metrics:    metrics,
		Config:     cfg.Queue,
	})

	alertLog := observability.Named(logger, "alerts")
	hub := desk.NewHub(desk.HubDependencies{
		Store:          remote,
		Tickets:        tickets,
		Queue:          coordinator,
		Sessions:       sessions,
		Tokens:         tokens,
		Bus:            bus,
		Clock:          clock,
		Scheduler:      listener.ClockScheduler{Clock: clock},
		Backoff:        listener.PolicyFromConfig(cfg.Listener),
		AllowedModules: notify.DefaultAllowedModules,
		AlertSink: func(operatorUID string) notify.Sink {
			return func(a notify.Alert) {
				alertLog.Info("incoming ticket alert",
					zap.String("operator", operatorUID),
					zap.String("ticket_id", a.TicketID),
					zap.String("phone", a.MaskedPhone))
			}
		},
		Logger:  logger,
		Metrics: metrics,
	})
	defer hub.Close()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	var debug *handlers.DebugHandler
	if cfg.App.DebugIntrospection {
		debug = handlers.NewDebugHandler(hub)
		logger.Warn("desk introspection endpoint enabled")
	}
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Clients:        handlers.NewClientHandler(authService, hub),
		Operators:      handlers.NewOperatorHandler(authService, tickets, coordinator, hub),
		CaseRequests:   handlers.NewCaseRequestsHandler(tickets),
		Admin:          handlers.NewAdminHandler(authService),
		Debug:          debug,
		AuthMiddleware: auth.NewAuthMiddleware(tokens, operators),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("store", cfg.Store.Driver), zap.Bool("feed", redis.Enabled()))
		errCh <- app.Listen(cfg.App.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("fiber listen: %w", err)
		}
	}
	return app.Shutdown()
}
