package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/handler"
	"supporter-ledger/internal/middleware"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/service"
)

type Server struct {
	echo            *echo.Echo
	jwtSecret       string
	webhookHandler  *handler.WebhookHandler
	checkoutHandler *handler.CheckoutHandler
	queryHandler    *handler.QueryHandler
}

func NewServer(
	jwtSecret string,
	registry *provider.Registry,
	ingestService service.IngestService,
	checkoutService service.CheckoutService,
	queryService service.QueryService,
	webhookEventRepo repository.WebhookEventRepository,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler

	e.Use(requestLogger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	s := &Server{
		echo:            e,
		jwtSecret:       jwtSecret,
		webhookHandler:  handler.NewWebhookHandler(registry, ingestService, webhookEventRepo),
		checkoutHandler: handler.NewCheckoutHandler(checkoutService),
		queryHandler:    handler.NewQueryHandler(queryService, ingestService),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- provider push --------
	api.POST("/webhooks/:provider", s.webhookHandler.Receive)

	// -------- public --------
	api.GET("/supporters", s.queryHandler.ListSupporters)

	// -------- signed-in users --------
	auth := middleware.AuthMiddleware(s.jwtSecret)
	api.POST("/checkout/stripe", s.checkoutHandler.CreateStripeCheckout, auth)
	api.POST("/checkout/square", s.checkoutHandler.CreateSquarePaymentLink, auth)
	api.GET("/me/entitlements/:productID", s.queryHandler.GetMyEntitlement, auth)
	api.GET("/entitlements/:userID/:productID", s.queryHandler.GetEntitlement, auth, middleware.SelfOrAdmin("userID"))

	// -------- operators and collaborators --------
	admin := api.Group("/admin", auth, middleware.AdminRequired())
	admin.GET("/transactions", s.queryHandler.ListTransactions)
	admin.POST("/transactions/:id/link", s.queryHandler.LinkTransaction)
	admin.GET("/anomalies", s.queryHandler.ListAnomalies)
	admin.POST("/anomalies/:id/resolve", s.queryHandler.ResolveAnomaly)
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Info("request", attrs...)
			return nil
		},
	})
}

// errorHandler renders every error as dto.ErrorResponse. Internal errors are
// logged and replaced with a generic message.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		slog.Error("unhandled error", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", err)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, &dto.ErrorResponse{Error: msg})
	}
	if werr != nil {
		slog.Error("write error response", "error", werr)
	}
}
