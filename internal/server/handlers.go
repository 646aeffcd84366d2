package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantondex/backend/internal/bookkeeper"
	"github.com/cantondex/backend/internal/settlement"
	"github.com/cantondex/backend/internal/trading"
	"github.com/cantondex/backend/pkg/models"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	label := "internal error"

	switch {
	case errors.Is(err, trading.ErrInvalidOrder):
		status, label = http.StatusBadRequest, "invalid order"
	case errors.Is(err, bookkeeper.ErrInsufficientBalance):
		status, label = http.StatusBadRequest, "insufficient balance"
	case errors.Is(err, trading.ErrRiskRejected):
		status, label = http.StatusForbidden, "risk rejected"
	case errors.Is(err, trading.ErrNotOrderOwner):
		status, label = http.StatusForbidden, "forbidden"
	case errors.Is(err, bookkeeper.ErrAccountNotFound),
		errors.Is(err, trading.ErrOrderNotFound),
		errors.Is(err, settlement.ErrSettlementNotFound):
		status, label = http.StatusNotFound, "not found"
	case errors.Is(err, trading.ErrOrderNotCancellable):
		status, label = http.StatusConflict, "order not cancellable"
	case errors.Is(err, settlement.ErrSettlementFailed):
		status, label = http.StatusBadGateway, "settlement failed"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(status, ErrorResponse{Error: label})
		return
	}
	c.JSON(status, ErrorResponse{Error: label, Details: err.Error()})
}

// pairParam reads a pair path parameter, accepting BTC-USDT as an alias for
// BTC/USDT since slashes do not survive URL paths.
func pairParam(c *gin.Context) string {
	pair := c.Param("pair")
	if !strings.Contains(pair, "/") {
		pair = strings.Replace(pair, "-", "/", 1)
	}
	return pair
}

func (s *Server) handleHealth(c *gin.Context) {
	tradeCount, err := s.repo.CountTrades(c.Request.Context())
	if err != nil {
		s.logger.Warn("health trade count failed", zap.Error(err))
	}
	body := gin.H{
		"status":          "healthy",
		"service":         "cantondex-backend",
		"engine_running":  s.engine.Running(),
		"matched_trades":  s.engine.MatchedCount(),
		"executed_trades": tradeCount,
	}
	if !s.engine.Running() {
		body["status"] = "degraded"
		body["degraded_reason"] = "matching engine stopped"
	}
	c.JSON(http.StatusOK, body)
}

type createAccountRequest struct {
	PartyID     string `json:"party_id" binding:"required"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	account, err := s.bookkeeping.CreateAccount(c.Request.Context(), req.PartyID, req.DisplayName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.bookkeeping.GetAccount(c.Request.Context(), c.Param("party"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleGetBalances(c *gin.Context) {
	balances, err := s.bookkeeping.GetBalances(c.Request.Context(), c.Param("party"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"party_id": c.Param("party"), "balances": balances})
}

type fundsRequest struct {
	PartyID     string          `json:"party_id" binding:"required"`
	Asset       string          `json:"asset" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Destination string          `json:"destination"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	account, err := s.bookkeeping.GetAccount(c.Request.Context(), req.PartyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	txn, err := s.bookkeeping.Deposit(c.Request.Context(), account.ID, req.Asset, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	account, err := s.bookkeeping.GetAccount(c.Request.Context(), req.PartyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	txn, err := s.bookkeeping.Withdraw(c.Request.Context(), account.ID, req.Asset, req.Amount, req.Destination)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type submitOrderRequest struct {
	PartyID  string           `json:"party_id" binding:"required"`
	Pair     string           `json:"pair" binding:"required"`
	Side     string           `json:"side" binding:"required"`
	Type     string           `json:"order_type" binding:"required"`
	Quantity decimal.Decimal  `json:"quantity" binding:"required"`
	Price    *decimal.Decimal `json:"price"`
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	order, err := s.tradingSvc.SubmitOrder(c.Request.Context(), trading.SubmitOrderRequest{
		PartyID:  req.PartyID,
		Pair:     req.Pair,
		Side:     strings.ToUpper(req.Side),
		Type:     strings.ToUpper(req.Type),
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	status := strings.ToUpper(c.Query("status"))
	orders, err := s.tradingSvc.ListOrders(c.Request.Context(), c.Param("party"), status, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"party_id": c.Param("party"), "orders": orders})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid order id"})
		return
	}
	order, err := s.tradingSvc.CancelOrder(c.Request.Context(), orderID, c.Query("party_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOrderBook(c *gin.Context) {
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))
	snapshot, err := s.tradingSvc.GetOrderBook(pairParam(c), depth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleMarket(c *gin.Context) {
	md, err := s.markets.GetMarketData(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, md)
}

func (s *Server) handleMarkets(c *gin.Context) {
	markets, err := s.markets.ListMarkets(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.tradingSvc.ListTrades(c.Request.Context(), pairParam(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": pairParam(c), "trades": trades})
}

type createSettlementRequest struct {
	TradeID            uuid.UUID `json:"trade_id" binding:"required"`
	BuyerSecuritiesRef string    `json:"buyer_securities_ref" binding:"required"`
	SellerCashRef      string    `json:"seller_cash_ref" binding:"required"`
}

func (s *Server) handleCreateSettlement(c *gin.Context) {
	if s.settlements == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "settlement coordinator disabled"})
		return
	}
	var req createSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}

	trade, err := s.tradingSvc.GetTrade(c.Request.Context(), req.TradeID)
	if err != nil {
		s.fail(c, err)
		return
	}

	buyer, seller := trade.MakerPartyID, trade.TakerPartyID
	if trade.MakerSide == models.OrderSideSell {
		buyer, seller = trade.TakerPartyID, trade.MakerPartyID
	}

	record, err := s.settlements.CreateAndExecute(c.Request.Context(), settlement.Request{
		TradeID:            trade.ID,
		BuyerParty:         buyer,
		SellerParty:        seller,
		Pair:               trade.Pair,
		Quantity:           trade.Quantity,
		CashAmount:         trade.Quantity.Mul(trade.Price),
		BuyerSecuritiesRef: req.BuyerSecuritiesRef,
		SellerCashRef:      req.SellerCashRef,
	})
	if errors.Is(err, settlement.ErrSettlementFailed) {
		// Terminal rollback: return the record alongside the error status.
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement failed", "settlement": record})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	// A FAILED record here is not terminal: the retry worker will pick it
	// up, and clients poll GET /settlements/:id for the outcome.
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleGetSettlement(c *gin.Context) {
	if s.settlements == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "settlement coordinator disabled"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid settlement id"})
		return
	}

	var record *models.SettlementRecord
	if c.Query("by") == "trade" {
		record, err = s.settlements.GetSettlementByTrade(c.Request.Context(), id)
	} else {
		record, err = s.settlements.GetSettlement(c.Request.Context(), id)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
