package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cantondex/backend/pkg/models"
)

// cacheTTL keeps cached statistics fresh within one matching interval or two.
const cacheTTL = 2 * time.Second

// Cache is a read-through redis cache for market data. It is strictly an
// optimization: every method degrades to a miss on any redis error.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache connects to redis and verifies the connection. On failure it
// returns nil so callers run uncached.
func NewCache(logger *zap.Logger, addr string, db int) *Cache {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, market data cache disabled",
			zap.String("addr", addr), zap.Error(err))
		return nil
	}
	return &Cache{client: client, logger: logger}
}

func cacheKey(pair string) string { return "marketdata:" + pair }

// GetMarketData returns the cached row for a pair, or nil on a miss.
func (c *Cache) GetMarketData(ctx context.Context, pair string) *models.MarketData {
	raw, err := c.client.Get(ctx, cacheKey(pair)).Bytes()
	if err != nil {
		return nil
	}
	var md models.MarketData
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil
	}
	return &md
}

// SetMarketData caches a freshly computed row.
func (c *Cache) SetMarketData(ctx context.Context, md *models.MarketData) {
	raw, err := json.Marshal(md)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(md.Pair), raw, cacheTTL).Err(); err != nil {
		c.logger.Debug("cache write failed", zap.String("pair", md.Pair), zap.Error(err))
	}
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
