// Package bookkeeper owns account and balance state in the ledger store.
// Every balance mutation runs inside one database transaction and leaves an
// append-only Transaction audit row behind.
package bookkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cantondex/backend/pkg/models"
)

var (
	// ErrAccountNotFound indicates the party or account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance indicates not enough available funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientLocked indicates an unlock or settlement leg exceeds the
	// locked amount. This is an invariant violation, not a user error.
	ErrInsufficientLocked = errors.New("insufficient locked balance")
)

// Service provides account and balance operations over the ledger store.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	assets []string
}

// NewService creates a bookkeeper service. assets lists the symbols every new
// account gets a zero balance row for.
func NewService(logger *zap.Logger, db *gorm.DB, assets []string) *Service {
	return &Service{db: db, logger: logger, assets: assets}
}

// CreateAccount registers a party's trading account and initializes zero
// balances for all supported assets. Creating an account for an existing
// party returns the existing account unchanged.
func (s *Service) CreateAccount(ctx context.Context, partyID, displayName string) (*models.Account, error) {
	if partyID == "" {
		return nil, fmt.Errorf("party_id is required")
	}

	var account models.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("party_id = ?", partyID).First(&account).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup account: %w", err)
		}

		now := time.Now()
		account = models.Account{
			ID:          uuid.New(),
			PartyID:     partyID,
			DisplayName: displayName,
			Status:      "ACTIVE",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&account).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}

		for _, asset := range s.assets {
			balance := models.Balance{
				ID:        uuid.New(),
				AccountID: account.ID,
				Asset:     asset,
				Available: decimal.Zero,
				Locked:    decimal.Zero,
				UpdatedAt: now,
			}
			if err := tx.Create(&balance).Error; err != nil {
				return fmt.Errorf("initialize %s balance: %w", asset, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account ready",
		zap.String("party_id", partyID),
		zap.String("account_id", account.ID.String()))
	return &account, nil
}

// GetAccount returns the account owned by a party.
func (s *Service) GetAccount(ctx context.Context, partyID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("party_id = ?", partyID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &account, nil
}

// GetAccountByID returns an account by its identifier.
func (s *Service) GetAccountByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &account, nil
}

// GetBalances returns all balance rows for a party, ordered by asset.
func (s *Service) GetBalances(ctx context.Context, partyID string) ([]models.Balance, error) {
	account, err := s.GetAccount(ctx, partyID)
	if err != nil {
		return nil, err
	}
	var balances []models.Balance
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", account.ID).
		Order("asset asc").
		Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

// GetBalance returns one (account, asset) balance row.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*models.Balance, error) {
	var balance models.Balance
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND asset = ?", accountID, asset).
		First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &balance, nil
}

// Deposit credits available funds and records the audit row atomically.
func (s *Service) Deposit(ctx context.Context, accountID uuid.UUID, asset string, amount decimal.Decimal) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("deposit amount must be positive")
	}

	var txn *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Balance{}).
			Where("account_id = ? AND asset = ?", accountID, asset).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available + ?", amount),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("credit balance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		var err error
		txn, err = s.appendAudit(tx, accountID, models.TxTypeDeposit, asset, amount, nil,
			fmt.Sprintf("Deposit %s %s", amount.String(), asset))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("deposit completed",
		zap.String("account_id", accountID.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return txn, nil
}

// Withdraw debits available funds if sufficient and records the audit row.
func (s *Service) Withdraw(ctx context.Context, accountID uuid.UUID, asset string, amount decimal.Decimal, destination string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("withdraw amount must be positive")
	}

	var txn *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Balance{}).
			Where("account_id = ? AND asset = ? AND available >= ?", accountID, asset, amount).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available - ?", amount),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("debit balance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var err error
		txn, err = s.appendAudit(tx, accountID, models.TxTypeWithdraw, asset, amount.Neg(), nil,
			fmt.Sprintf("Withdraw %s %s to %s", amount.String(), asset, destination))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal completed",
		zap.String("account_id", accountID.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return txn, nil
}

// LockFunds reserves available funds against an open order. The guard on the
// available column makes the check-and-lock a single atomic step.
func (s *Service) LockFunds(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, asset string, amount decimal.Decimal) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	result := tx.Model(&models.Balance{}).
		Where("account_id = ? AND asset = ? AND available >= ?", accountID, asset, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", amount),
			"locked":     gorm.Expr("locked + ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("lock funds: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// UnlockFunds releases locked funds back to available, e.g. on cancellation
// of an order's unfilled remainder.
func (s *Service) UnlockFunds(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, asset string, amount decimal.Decimal) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	result := tx.Model(&models.Balance{}).
		Where("account_id = ? AND asset = ? AND locked >= ?", accountID, asset, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", amount),
			"locked":     gorm.Expr("locked - ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("unlock funds: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

// DebitLocked consumes locked funds during trade settlement.
func (s *Service) DebitLocked(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, asset string, amount decimal.Decimal) error {
	result := tx.Model(&models.Balance{}).
		Where("account_id = ? AND asset = ? AND locked >= ?", accountID, asset, amount).
		Updates(map[string]interface{}{
			"locked":     gorm.Expr("locked - ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("debit locked: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

// CreditAvailable adds settled funds to the available balance.
func (s *Service) CreditAvailable(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, asset string, amount decimal.Decimal) error {
	result := tx.Model(&models.Balance{}).
		Where("account_id = ? AND asset = ?", accountID, asset).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("credit available: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AppendTradeAudit writes the audit row for one trade leg inside the caller's
// transaction.
func (s *Service) AppendTradeAudit(tx *gorm.DB, accountID uuid.UUID, asset string, amount decimal.Decimal, tradeID uuid.UUID, description string) error {
	_, err := s.appendAudit(tx, accountID, models.TxTypeTrade, asset, amount, &tradeID, description)
	return err
}

func (s *Service) appendAudit(tx *gorm.DB, accountID uuid.UUID, txType, asset string, amount decimal.Decimal, tradeID *uuid.UUID, description string) (*models.Transaction, error) {
	var account models.Account
	if err := tx.Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("resolve party for audit: %w", err)
	}

	var balance models.Balance
	if err := tx.Where("account_id = ? AND asset = ?", accountID, asset).First(&balance).Error; err != nil {
		return nil, fmt.Errorf("read balance for audit: %w", err)
	}

	txn := &models.Transaction{
		ID:           uuid.New(),
		AccountID:    accountID,
		PartyID:      account.PartyID,
		Type:         txType,
		Asset:        asset,
		Amount:       amount,
		BalanceAfter: balance.Available,
		TradeID:      tradeID,
		Description:  description,
		CreatedAt:    time.Now(),
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	return txn, nil
}
