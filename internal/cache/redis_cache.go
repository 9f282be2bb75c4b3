package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func messageKey(internalID int64) string {
	return fmt.Sprintf("msg:%d", internalID)
}

func providerKey(providerMessageID string) string {
	return "pmid:" + providerMessageID
}

func (c *RedisCache) StoreSent(ctx context.Context, internalID int64, providerMessageID string, sentAt time.Time) error {
	val := Sent{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, messageKey(internalID), b, c.ttl)
		p.Set(ctx, providerKey(providerMessageID), internalID, c.ttl)
		return nil
	})
	return err
}

func (c *RedisCache) LookupSent(ctx context.Context, internalID int64) (Sent, bool, error) {
	raw, err := c.rdb.Get(ctx, messageKey(internalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sent{}, false, nil
	}
	if err != nil {
		return Sent{}, false, err
	}

	var s Sent
	if err := json.Unmarshal(raw, &s); err != nil {
		return Sent{}, false, fmt.Errorf("corrupt journal entry for %d: %w", internalID, err)
	}
	return s, true, nil
}

func (c *RedisCache) LookupByProviderID(ctx context.Context, providerMessageID string) (int64, bool, error) {
	raw, err := c.rdb.Get(ctx, providerKey(providerMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt index entry %q: %w", raw, err)
	}
	return id, true, nil
}
