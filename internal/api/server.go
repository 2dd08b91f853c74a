// Package api is the HTTP surface of the checkout service: buyer checkout
// routes, gateway webhooks and a few admin endpoints.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	checkoutctx "github.com/yourorg/nursery-checkout/internal/context"
	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/monitor"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/orchestrator"
	"github.com/yourorg/nursery-checkout/internal/reporting"
	"github.com/yourorg/nursery-checkout/internal/router"
)

// NotificationParser verifies and decodes gateway webhooks.
// *router.Router implements it.
type NotificationParser interface {
	ParseNotification(kind gateway.Kind, header map[string][]string, body []byte) (gateway.Notification, error)
}

// OrderAdmin is the admin side of the order service.
type OrderAdmin interface {
	Cancel(ctx context.Context, orderID string) (order.Order, error)
}

// HealthReporter reports per-gateway circuit state.
type HealthReporter interface {
	Status() []router.GatewayStatus
}

// Options wires a Server.
type Options struct {
	Registry      *orchestrator.Registry
	Reconciler    *orchestrator.Reconciler
	Notifications NotificationParser
	Orders        OrderAdmin
	Journal       *reporting.Journal
	Contracts     *monitor.Contracts
	Health        HealthReporter
	JWTSecret     []byte
	JWTIssuer     string
	ServiceName   string
	Logger        *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	registry      *orchestrator.Registry
	reconciler    *orchestrator.Reconciler
	notifications NotificationParser
	orders        OrderAdmin
	journal       *reporting.Journal
	contracts     *monitor.Contracts
	health        HealthReporter
	secret        []byte
	issuer        string
	serviceName   string
	logger        *zap.Logger
	builder       *checkoutctx.ContextBuilder
	reporter      *reporting.RetrospectiveReporter
}

// NewServer creates a Server. It panics on missing collaborators.
func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		panic("Registry cannot be nil")
	}
	if opts.Reconciler == nil {
		panic("Reconciler cannot be nil")
	}
	if opts.Notifications == nil {
		panic("NotificationParser cannot be nil")
	}
	if opts.Orders == nil {
		panic("OrderAdmin cannot be nil")
	}
	if len(opts.JWTSecret) == 0 {
		panic("JWT secret cannot be empty")
	}
	if opts.Contracts == nil {
		opts.Contracts = monitor.MustDefaultContracts()
	}
	if opts.Journal == nil {
		opts.Journal = reporting.NewJournal()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "nursery-checkout"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		registry:      opts.Registry,
		reconciler:    opts.Reconciler,
		notifications: opts.Notifications,
		orders:        opts.Orders,
		journal:       opts.Journal,
		contracts:     opts.Contracts,
		health:        opts.Health,
		secret:        opts.JWTSecret,
		issuer:        opts.JWTIssuer,
		serviceName:   opts.ServiceName,
		logger:        opts.Logger,
		builder:       checkoutctx.NewContextBuilder(),
		reporter:      reporting.NewRetrospectiveReporter(),
	}
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(s.serviceName), s.requestLogger())

	r.GET("/health", s.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhooks/:gateway", s.webhook)

	buyer := r.Group("/checkout", s.authenticate())
	buyer.POST("/sessions", s.startSession)

	session := buyer.Group("/sessions/:id", s.loadSession())
	session.GET("", s.getSession)
	session.PUT("/shipping", s.updateShipping)
	session.POST("/proceed", s.proceed)
	session.POST("/payments", s.pay)
	session.POST("/payments/handoff", s.handOff)
	session.POST("/payments/confirm", s.confirmCard)
	session.POST("/payments/approve", s.approveWallet)
	session.POST("/payments/return", s.returnFromGateway)
	session.POST("/retry", s.retry)
	session.POST("/cancel", s.cancel)
	session.POST("/detach", s.detach)

	admin := r.Group("/admin", s.authenticate(), requireRole(roleAdmin))
	admin.GET("/checkout/retrospective", s.retrospective)
	admin.POST("/orders/:id/cancel", s.cancelOrder)
	return r
}

// requestLogger logs failed and slow requests with the request's trace ids.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		if status < 400 && duration < time.Second {
			return
		}
		fields := append(checkoutctx.FromContext(c.Request.Context()).Fields(),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
		switch {
		case status >= 500:
			s.logger.Error("API: request failed", fields...)
		case status >= 400:
			s.logger.Warn("API: request rejected", fields...)
		default:
			s.logger.Warn("API: slow request", fields...)
		}
	}
}
