// Package server exposes the REST API over gin.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cantondex/backend/internal/bookkeeper"
	"github.com/cantondex/backend/internal/marketdata"
	"github.com/cantondex/backend/internal/settlement"
	"github.com/cantondex/backend/internal/trading"
)

// Server bundles the HTTP listener and its dependencies.
type Server struct {
	logger      *zap.Logger
	engine      *trading.Engine
	httpServer  *http.Server
	bookkeeping *bookkeeper.Service
	tradingSvc  *trading.Service
	markets     *marketdata.Aggregator
	settlements *settlement.Coordinator
	repo        *trading.Repository
}

// New builds the server and its router.
func New(
	logger *zap.Logger,
	addr string,
	engine *trading.Engine,
	bookkeeping *bookkeeper.Service,
	tradingSvc *trading.Service,
	markets *marketdata.Aggregator,
	settlements *settlement.Coordinator,
	repo *trading.Repository,
) *Server {
	s := &Server{
		logger:      logger,
		engine:      engine,
		bookkeeping: bookkeeping,
		tradingSvc:  tradingSvc,
		markets:     markets,
		settlements: settlements,
		repo:        repo,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/accounts", s.handleCreateAccount)
	r.GET("/accounts/:party", s.handleGetAccount)
	r.GET("/accounts/:party/balances", s.handleGetBalances)
	r.POST("/deposit", s.handleDeposit)
	r.POST("/withdraw", s.handleWithdraw)

	r.POST("/orders", s.handleSubmitOrder)
	r.GET("/orders/:party", s.handleListOrders)
	r.DELETE("/orders/:id", s.handleCancelOrder)

	r.GET("/orderbook/:pair", s.handleOrderBook)
	r.GET("/market/:pair", s.handleMarket)
	r.GET("/markets", s.handleMarkets)
	r.GET("/trades/:pair", s.handleTrades)

	r.POST("/settlements", s.handleCreateSettlement)
	r.GET("/settlements/:id", s.handleGetSettlement)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Start serves HTTP until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
