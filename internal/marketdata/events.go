package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cantondex/backend/pkg/models"
)

// TradePublisher streams executed trades to kafka for downstream consumers.
type TradePublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewTradePublisher creates a kafka publisher for the given brokers and topic.
func NewTradePublisher(logger *zap.Logger, brokers []string, topic string) *TradePublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &TradePublisher{writer: writer, logger: logger}
}

// Publish emits one message per trade, keyed by pair so a partition
// preserves per-pair ordering. Errors are logged; publishing never blocks
// trade execution semantics.
func (p *TradePublisher) Publish(ctx context.Context, trades []models.Trade) {
	if len(trades) == 0 {
		return
	}
	messages := make([]kafka.Message, 0, len(trades))
	for i := range trades {
		payload, err := json.Marshal(&trades[i])
		if err != nil {
			p.logger.Error("marshal trade event", zap.Error(err))
			continue
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(trades[i].Pair),
			Value: payload,
			Time:  trades[i].MatchedAt,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, messages...); err != nil {
		p.logger.Warn("publish trade events", zap.Error(err))
	}
}

// Close flushes and closes the kafka writer.
func (p *TradePublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
