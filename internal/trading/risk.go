package trading

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cantondex/backend/pkg/models"
)

// Verdict is the opaque answer of a pre-trade risk check.
type Verdict struct {
	Approved bool
	Reason   string
}

// RiskService gates order submission before any funds are locked.
type RiskService interface {
	CheckOrder(ctx context.Context, order *models.Order) Verdict
}

// limitRiskService enforces static per-order quantity and notional caps.
type limitRiskService struct {
	maxQuantity decimal.Decimal
	maxNotional decimal.Decimal
}

// NewLimitRiskService builds the default risk service from configured caps.
func NewLimitRiskService(maxQuantity, maxNotional string) (RiskService, error) {
	qty, err := decimal.NewFromString(maxQuantity)
	if err != nil {
		return nil, fmt.Errorf("parse max order quantity: %w", err)
	}
	notional, err := decimal.NewFromString(maxNotional)
	if err != nil {
		return nil, fmt.Errorf("parse max order notional: %w", err)
	}
	return &limitRiskService{maxQuantity: qty, maxNotional: notional}, nil
}

func (s *limitRiskService) CheckOrder(_ context.Context, order *models.Order) Verdict {
	if order.Quantity.GreaterThan(s.maxQuantity) {
		return Verdict{Reason: fmt.Sprintf("quantity %s exceeds limit %s", order.Quantity, s.maxQuantity)}
	}
	if order.Price != nil {
		notional := order.Quantity.Mul(*order.Price)
		if notional.GreaterThan(s.maxNotional) {
			return Verdict{Reason: fmt.Sprintf("notional %s exceeds limit %s", notional, s.maxNotional)}
		}
	}
	return Verdict{Approved: true}
}
