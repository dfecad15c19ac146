package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const cacheTTL = 10 * time.Minute

// BalanceCache is a read-through cache for balance aggregates. Postgres stays
// authoritative: every mutation path deletes the key after commit, and cache
// failures degrade to a plain read. A nil *BalanceCache is a valid no-op.
type BalanceCache struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewBalanceCache(rdb *redis.Client, log *logrus.Logger) *BalanceCache {
	if rdb == nil {
		return nil
	}
	return &BalanceCache{rdb: rdb, log: log}
}

func studentCacheKey(studentID, tenantID, unitID string) string {
	return fmt.Sprintf("scb:%s:%s:%s", studentID, tenantID, unitID)
}

func hourCacheKey(professorID, tenantID, unitID string) string {
	return fmt.Sprintf("phb:%s:%s:%s", professorID, tenantID, unitID)
}

// Get unmarshals the cached aggregate into dest and reports whether it hit.
func (c *BalanceCache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("corrupt cache entry, dropping")
		_ = c.rdb.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *BalanceCache) Set(ctx context.Context, key string, v any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache set failed")
	}
}

func (c *BalanceCache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.WithFields(logrus.Fields{"keys": keys, "error": err}).Warn("cache invalidation failed")
	}
}
