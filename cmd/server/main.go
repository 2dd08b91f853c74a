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

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/yourorg/nursery-checkout/internal/api"
	"github.com/yourorg/nursery-checkout/internal/config"
	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/gateway/localpay"
	gatewaymock "github.com/yourorg/nursery-checkout/internal/gateway/mock"
	"github.com/yourorg/nursery-checkout/internal/gateway/paypal"
	"github.com/yourorg/nursery-checkout/internal/gateway/stripe"
	"github.com/yourorg/nursery-checkout/internal/orchestrator"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
	"github.com/yourorg/nursery-checkout/internal/policy"
	"github.com/yourorg/nursery-checkout/internal/processor"
	"github.com/yourorg/nursery-checkout/internal/reporting"
	"github.com/yourorg/nursery-checkout/internal/router"
	"github.com/yourorg/nursery-checkout/internal/router/circuitbreaker"
)

// closers are released in reverse order on shutdown.
type closers []func() error

func (c closers) close(logger *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("Server: cleanup failed", zap.Error(err))
		}
	}
}

// openStore builds the order store selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (order.Store, closers, error) {
	var (
		store   order.Store
		cleanup closers
	)
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		cleanup = append(cleanup, db.Close)
		if err := db.PingContext(ctx); err != nil {
			cleanup.close(logger)
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		pg := order.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			cleanup.close(logger)
			return nil, nil, err
		}
		store = pg
	case config.StoreHTTP:
		store = order.NewHTTPStore(cfg.Store.OrderAPIURL, cfg.Store.OrderAPIToken, &http.Client{Timeout: 10 * time.Second})
	default:
		store = order.NewMemoryStore()
	}

	if cfg.Store.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			cleanup.close(logger)
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		cleanup = append(cleanup, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			cleanup.close(logger)
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		store = order.NewRedisDedupStore(store, client, cfg.Store.DedupPrefix, cfg.Store.DedupTTL)
	}
	logger.Info("Server: order store ready", zap.String("driver", cfg.Store.Driver), zap.Bool("redis_dedup", cfg.Store.RedisURL != ""))
	return store, cleanup, nil
}

// gatewayAdapters returns one adapter per gateway kind, in-process mocks
// when cfg.MockGateways is set.
func gatewayAdapters(cfg *config.Config) []gateway.Adapter {
	if cfg.MockGateways {
		adapters := make([]gateway.Adapter, 0, len(gateway.Kinds()))
		for _, k := range gateway.Kinds() {
			adapters = append(adapters, gatewaymock.NewAdapter(k))
		}
		return adapters
	}
	client := &http.Client{Timeout: 30 * time.Second}
	wallet := cfg.Gateways[gateway.WalletRedirect]
	card := cfg.Gateways[gateway.HostedCardElement]
	localA := cfg.Gateways[gateway.LocalGatewayA]
	localB := cfg.Gateways[gateway.LocalGatewayB]
	return []gateway.Adapter{
		paypal.New(wallet.ClientID, wallet.Secret, wallet.BaseURL, client),
		stripe.New(card.Secret, card.BaseURL, client),
		localpay.NewLinkGateway(localA.BaseURL, localA.MerchantID, localA.Secret, client),
		localpay.NewFormGateway(localB.BaseURL, localB.MerchantID, localB.Secret, client),
	}
}

func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.Tracing.ServiceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// setupRouter wires every component from cfg and returns the HTTP handler.
func setupRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gin.Engine, closers, error) {
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*gin.Engine, closers, error) {
		cleanup.close(logger)
		return nil, nil, err
	}

	rates, err := cfg.RateTable()
	if err != nil {
		return fail(err)
	}
	limits, err := cfg.LimitTable()
	if err != nil {
		return fail(err)
	}
	enforcer, err := policy.NewPaymentPolicyEnforcer(cfg.PolicyRules())
	if err != nil {
		return fail(fmt.Errorf("%w: %v", config.ErrInvalidConfig, err))
	}

	orders := order.NewService(store)
	rtr := router.NewRouter(processor.NewProcessor(gatewayAdapters(cfg)...), circuitbreaker.NewCircuitBreaker(cfg.Breaker()), logger)
	planner := planbuilder.NewBuilder(rates, cfg.Currencies(), limits)
	journal := reporting.NewJournal()

	registry := orchestrator.NewRegistry(orchestrator.Dependencies{
		Orders:           orders,
		Gateways:         rtr,
		Planner:          planner,
		Policy:           enforcer,
		Journal:          journal,
		Logger:           logger,
		PaymentTimeout:   cfg.Payment.Timeout,
		SessionRetention: cfg.Payment.SessionRetention,
		URLs: orchestrator.URLs{
			ReturnURL: cfg.Payment.ReturnURL,
			CancelURL: cfg.Payment.CancelURL,
			NotifyURL: cfg.Payment.NotifyURL,
		},
	})
	srv := api.NewServer(api.Options{
		Registry:      registry,
		Reconciler:    orchestrator.NewReconciler(registry, orders, planner, logger),
		Notifications: rtr,
		Orders:        orders,
		Journal:       journal,
		Health:        rtr,
		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		JWTIssuer:     cfg.Auth.Issuer,
		ServiceName:   cfg.Tracing.ServiceName,
		Logger:        logger,
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx, 0)
	cleanup = append(cleanup, func() error {
		stopSweeper()
		return nil
	})
	return srv.Handler(), cleanup, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := setupRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup.close(logger)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server: listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("mock_gateways", cfg.MockGateways))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return shutdownTracing(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nursery-checkout: %v\n", err)
		os.Exit(1)
	}
}
