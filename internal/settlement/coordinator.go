// Package settlement coordinates atomic delivery-versus-payment settlement
// of trades on the external Canton ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cantondex/backend/internal/settlement/canton"
	"github.com/cantondex/backend/pkg/metrics"
	"github.com/cantondex/backend/pkg/models"
)

// settlementTemplate is the DAML template backing one pending exchange.
const settlementTemplate = "Main:Settlement"

var (
	// ErrSettlementFailed indicates every execution attempt was exhausted
	// and the settlement was rolled back. No partial transfer occurred.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrSettlementNotFound indicates neither the local store nor the
	// ledger knows the settlement.
	ErrSettlementNotFound = errors.New("settlement not found")
)

// Request describes one trade to settle externally.
type Request struct {
	TradeID            uuid.UUID
	BuyerParty         string
	SellerParty        string
	Pair               string
	Quantity           decimal.Decimal
	CashAmount         decimal.Decimal
	BuyerSecuritiesRef string
	SellerCashRef      string
}

// Coordinator owns the settlement lifecycle:
// PENDING -> EXECUTING -> COMPLETED, or FAILED with the next attempt
// scheduled, and a terminal ROLLED_BACK once attempts are exhausted.
// Retry state lives in the settlement record, so pending retries are picked
// up by the worker even across a process restart.
type Coordinator struct {
	db     *gorm.DB
	client *canton.Client
	logger *zap.Logger

	maxAttempts      int
	baseBackoff      time.Duration
	securitiesIssuer string
	cashProvider     string

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewCoordinator wires a settlement coordinator. maxAttempts counts the
// initial execution plus retries; backoff doubles per attempt.
func NewCoordinator(logger *zap.Logger, db *gorm.DB, client *canton.Client, maxAttempts int, baseBackoff time.Duration, securitiesIssuer, cashProvider string) *Coordinator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Coordinator{
		db:               db,
		client:           client,
		logger:           logger,
		maxAttempts:      maxAttempts,
		baseBackoff:      baseBackoff,
		securitiesIssuer: securitiesIssuer,
		cashProvider:     cashProvider,
		stop:             make(chan struct{}),
	}
}

// CreateAndExecute registers the settlement intent on the ledger and makes
// the first delivery-versus-payment attempt synchronously. On failure the
// record is left FAILED with the next attempt scheduled for the retry
// worker, or ROLLED_BACK with ErrSettlementFailed when no attempts remain.
func (c *Coordinator) CreateAndExecute(ctx context.Context, req Request) (*models.SettlementRecord, error) {
	record := &models.SettlementRecord{
		ID:            uuid.New(),
		TradeID:       req.TradeID,
		BuyerParty:    req.BuyerParty,
		SellerParty:   req.SellerParty,
		Pair:          req.Pair,
		Quantity:      req.Quantity,
		CashAmount:    req.CashAmount,
		Status:        models.SettlementPending,
		BuyerAssetRef: req.BuyerSecuritiesRef,
		SellerCashRef: req.SellerCashRef,
		CreatedAt:     time.Now(),
	}
	if err := c.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("persist settlement record: %w", err)
	}

	contract, err := c.client.CreateContract(ctx, settlementTemplate, map[string]interface{}{
		"settlementId":     "set_" + req.TradeID.String(),
		"tradeId":          req.TradeID.String(),
		"buyer":            req.BuyerParty,
		"seller":           req.SellerParty,
		"securitiesIssuer": c.securitiesIssuer,
		"cashProvider":     c.cashProvider,
		"symbol":           req.Pair,
		"quantity":         req.Quantity.String(),
		"cashAmount":       req.CashAmount.String(),
		"settlementDate":   time.Now().Format("2006-01-02"),
		"status":           "pending",
		"observers":        []string{},
	}, req.BuyerParty)
	if err != nil {
		// Without a contract there is nothing to retry against.
		c.rollBack(ctx, record, fmt.Sprintf("contract creation failed: %v", err))
		return record, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	record.ContractID = contract.ContractID
	c.persist(ctx, record, map[string]interface{}{"contract_id": record.ContractID})

	return c.attempt(ctx, record)
}

// attempt runs one DvP execution against the record's contract and applies
// the resulting state transition.
func (c *Coordinator) attempt(ctx context.Context, record *models.SettlementRecord) (*models.SettlementRecord, error) {
	record.Status = models.SettlementExecuting
	record.Attempts++
	c.persist(ctx, record, map[string]interface{}{
		"status":   record.Status,
		"attempts": record.Attempts,
	})

	_, err := c.client.ExerciseChoice(ctx, record.ContractID, "ExecuteDeliveryVsPayment", map[string]interface{}{
		"buyerSecuritiesRef": record.BuyerAssetRef,
		"sellerCashRef":      record.SellerCashRef,
	}, record.BuyerParty)
	if err == nil {
		now := time.Now()
		record.Status = models.SettlementCompleted
		record.CompletedAt = &now
		record.NextAttemptAt = nil
		c.persist(ctx, record, map[string]interface{}{
			"status":          record.Status,
			"completed_at":    now,
			"next_attempt_at": nil,
		})
		metrics.SettlementOutcomes.WithLabelValues(models.SettlementCompleted).Inc()
		c.logger.Info("settlement completed",
			zap.String("settlement_id", record.ID.String()),
			zap.String("trade_id", record.TradeID.String()),
			zap.String("contract_id", record.ContractID),
			zap.Int("attempts", record.Attempts))
		return record, nil
	}

	c.logger.Warn("settlement attempt failed",
		zap.String("settlement_id", record.ID.String()),
		zap.Int("attempt", record.Attempts),
		zap.Int("max_attempts", c.maxAttempts),
		zap.Error(err))

	if record.Attempts >= c.maxAttempts {
		c.compensate(ctx, record.ContractID, record.BuyerParty, err)
		c.rollBack(ctx, record, err.Error())
		return record, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	// Transient failure: the contract stays untouched so the retry can
	// re-exercise it. FailSettlement fires only on the terminal rollback.
	// Exponential backoff: base, 2*base, 4*base, ...
	next := time.Now().Add(c.baseBackoff << (record.Attempts - 1))
	record.Status = models.SettlementFailed
	record.FailureReason = err.Error()
	record.NextAttemptAt = &next
	c.persist(ctx, record, map[string]interface{}{
		"status":          record.Status,
		"failure_reason":  record.FailureReason,
		"next_attempt_at": next,
	})
	return record, nil
}

// compensate exercises FailSettlement on the contract once all attempts are
// spent; the ledger may consume the contract, so it must never run before a
// retry. Its own failure is logged and never masks the original error.
func (c *Coordinator) compensate(ctx context.Context, contractID, party string, cause error) {
	_, err := c.client.ExerciseChoice(ctx, contractID, "FailSettlement", map[string]interface{}{
		"failureReason": cause.Error(),
	}, party)
	if err != nil {
		c.logger.Error("settlement compensation failed",
			zap.String("contract_id", contractID),
			zap.Error(err))
	}
}

func (c *Coordinator) rollBack(ctx context.Context, record *models.SettlementRecord, reason string) {
	record.Status = models.SettlementRolledBack
	record.FailureReason = reason
	record.NextAttemptAt = nil
	c.persist(ctx, record, map[string]interface{}{
		"status":          record.Status,
		"failure_reason":  record.FailureReason,
		"next_attempt_at": nil,
	})
	metrics.SettlementOutcomes.WithLabelValues(models.SettlementRolledBack).Inc()
	c.logger.Error("settlement rolled back",
		zap.String("settlement_id", record.ID.String()),
		zap.String("trade_id", record.TradeID.String()),
		zap.String("reason", reason))
}

func (c *Coordinator) persist(ctx context.Context, record *models.SettlementRecord, updates map[string]interface{}) {
	if err := c.db.WithContext(ctx).Model(&models.SettlementRecord{}).
		Where("id = ?", record.ID).
		Updates(updates).Error; err != nil {
		c.logger.Error("persist settlement transition failed",
			zap.String("settlement_id", record.ID.String()),
			zap.String("status", record.Status),
			zap.Error(err))
	}
}

// StartRetryWorker launches the background loop that re-executes FAILED
// settlements once their backoff elapses. Durable state makes retries
// survive restarts: the worker picks up whatever is due in the store.
func (c *Coordinator) StartRetryWorker(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ProcessDue(ctx); err != nil {
					c.logger.Warn("settlement retry sweep failed", zap.Error(err))
				}
			}
		}
	}()
	c.logger.Info("settlement retry worker started", zap.Duration("poll_interval", pollInterval))
}

// StopRetryWorker halts the background loop.
func (c *Coordinator) StopRetryWorker() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// ProcessDue retries every FAILED settlement whose backoff has elapsed.
func (c *Coordinator) ProcessDue(ctx context.Context) error {
	var due []models.SettlementRecord
	if err := c.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.SettlementFailed, time.Now()).
		Order("next_attempt_at asc").
		Find(&due).Error; err != nil {
		return fmt.Errorf("list due settlements: %w", err)
	}
	for i := range due {
		record := due[i]
		if _, err := c.attempt(ctx, &record); err != nil {
			// Terminal rollback; already persisted and logged.
			continue
		}
	}
	return nil
}

// GetSettlement returns a settlement record by id.
func (c *Coordinator) GetSettlement(ctx context.Context, settlementID uuid.UUID) (*models.SettlementRecord, error) {
	var record models.SettlementRecord
	err := c.db.WithContext(ctx).Where("id = ?", settlementID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return &record, nil
}

// GetSettlementByTrade returns the settlement for a trade: the local record
// if present, otherwise the active contract on the ledger.
func (c *Coordinator) GetSettlementByTrade(ctx context.Context, tradeID uuid.UUID) (*models.SettlementRecord, error) {
	var record models.SettlementRecord
	err := c.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&record).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get settlement by trade: %w", err)
	}

	contracts, err := c.client.Query(ctx, settlementTemplate, c.securitiesIssuer, map[string]interface{}{
		"tradeId": tradeID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("query ledger for trade %s: %w", tradeID, err)
	}
	if len(contracts) == 0 {
		return nil, ErrSettlementNotFound
	}
	return recordFromContract(tradeID, &contracts[0]), nil
}

// recordFromContract reconstructs a read-only view of a settlement the local
// store never saw, e.g. one created by another coordinator instance.
func recordFromContract(tradeID uuid.UUID, contract *canton.Contract) *models.SettlementRecord {
	record := &models.SettlementRecord{
		TradeID:    tradeID,
		ContractID: contract.ContractID,
		Status:     models.SettlementPending,
	}
	if v, ok := contract.Payload["buyer"].(string); ok {
		record.BuyerParty = v
	}
	if v, ok := contract.Payload["seller"].(string); ok {
		record.SellerParty = v
	}
	if v, ok := contract.Payload["symbol"].(string); ok {
		record.Pair = v
	}
	if v, ok := contract.Payload["quantity"].(string); ok {
		if q, err := decimal.NewFromString(v); err == nil {
			record.Quantity = q
		}
	}
	if v, ok := contract.Payload["cashAmount"].(string); ok {
		if q, err := decimal.NewFromString(v); err == nil {
			record.CashAmount = q
		}
	}
	return record
}
