package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	"github.com/veltis/entitled/internal/config"
	customerdomain "github.com/veltis/entitled/internal/customer/domain"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	obsmetrics "github.com/veltis/entitled/internal/observability/metrics"
	purchasedomain "github.com/veltis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/syncengine"
	transactiondomain "github.com/veltis/entitled/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	customerSvc    customerdomain.Service
	ledgerSvc      ledgerdomain.Service
	subscriptions  subscriptiondomain.Service
	purchaseSvc    purchasedomain.Service
	transactionSvc transactiondomain.Service
	syncEngine     *syncengine.Service
}

type Params struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	CustomerSvc    customerdomain.Service
	LedgerSvc      ledgerdomain.Service
	Subscriptions  subscriptiondomain.Service
	PurchaseSvc    purchasedomain.Service
	TransactionSvc transactiondomain.Service
	SyncEngine     *syncengine.Service
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		clock:          p.Clock,
		customerSvc:    p.CustomerSvc,
		ledgerSvc:      p.LedgerSvc,
		subscriptions:  p.Subscriptions,
		purchaseSvc:    p.PurchaseSvc,
		transactionSvc: p.TransactionSvc,
		syncEngine:     p.SyncEngine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/stripe", s.handleStripeWebhook)

	payments := s.engine.Group("/api/v1/payments", TenancyContext())
	{
		purchases := payments.Group("/purchases")
		purchases.POST("/create-purchase-url", s.createPurchaseURL)
		purchases.POST("/validate-code", s.validatePurchaseCode)

		items := payments.Group("/items")
		items.GET("/:customer_type/:customer_id/:item_id", s.getItemQuantity)
		items.POST("/:customer_type/:customer_id/:item_id/update-quantity", s.AdminRequired(), s.updateItemQuantity)

		subscriptions := payments.Group("/subscriptions")
		subscriptions.DELETE("/:customer_type/:customer_id/:product_id", s.cancelSubscription)
		subscriptions.POST("/:customer_type/:customer_id/grant-product", s.AdminRequired(), s.grantProduct)

		payments.GET("/invoices/:customer_type/:customer_id", s.listInvoices)
		payments.GET("/transactions", s.AdminRequired(), s.listTransactions)
	}
}

// parseCustomerPath reads the :customer_type/:customer_id path segments and
// applies the client access check.
func (s *Server) parseCustomerPath(c *gin.Context) (catalog.CustomerType, string, error) {
	customerType, err := catalog.ParseCustomerType(c.Param("customer_type"))
	if err != nil {
		return "", "", err
	}
	customerID := c.Param("customer_id")
	if customerID == "" {
		return "", "", ErrInvalidRequest
	}
	if err := s.ensureClientCanAccessCustomer(c, s.accessType(c), customerType, customerID); err != nil {
		return "", "", err
	}
	return customerType, customerID, nil
}

var Module = fx.Module("http.server",
	obsmetrics.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
