package quota

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

var (
	//go:embed lua/check.lua
	checkScript string

	//go:embed lua/commit.lua
	commitScript string

	_ Tracker = (*RedisTracker)(nil)
)

// RedisTracker answers admission checks from a Redis hash per tenant and
// writes usage through to the backing tracker, which stays the source of
// truth.
type RedisTracker struct {
	cmd     redis.Cmdable
	backing Tracker
	ttl     time.Duration
	now     func() time.Time
}

func NewRedisTracker(cmd redis.Cmdable, backing Tracker, ttl time.Duration) *RedisTracker {
	return &RedisTracker{cmd: cmd, backing: backing, ttl: ttl, now: time.Now}
}

func key(tenantID int64) string {
	return fmt.Sprintf("quota:%d", tenantID)
}

func (t *RedisTracker) CheckAndReserve(ctx context.Context, tenantID int64, count int) (bool, error) {
	res, err := t.eval(ctx, tenantID, count)
	if err != nil {
		return false, err
	}
	if res != -1 {
		return res == 1, nil
	}

	if err := t.load(ctx, tenantID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	res, err = t.eval(ctx, tenantID, count)
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (t *RedisTracker) eval(ctx context.Context, tenantID int64, count int) (int64, error) {
	return t.cmd.Eval(ctx, checkScript, []string{key(tenantID)}, count, t.now().Unix()).Int64()
}

func (t *RedisTracker) load(ctx context.Context, tenantID int64) error {
	q, err := t.backing.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	var expires int64
	if q.PeriodExpiresAt != nil {
		expires = q.PeriodExpiresAt.Unix()
	}

	k := key(tenantID)
	_, err = t.cmd.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, "allotted", q.Allotted, "used", q.Used, "expires", expires)
		p.Expire(ctx, k, t.ttl)
		return nil
	})
	return err
}

func (t *RedisTracker) Commit(ctx context.Context, tenantID int64, count int) error {
	if err := t.backing.Commit(ctx, tenantID, count); err != nil {
		return err
	}
	return t.cmd.Eval(ctx, commitScript, []string{key(tenantID)}, count).Err()
}

func (t *RedisTracker) Get(ctx context.Context, tenantID int64) (model.QuotaState, error) {
	return t.backing.Get(ctx, tenantID)
}

func (t *RedisTracker) Renew(ctx context.Context, now time.Time) ([]int64, error) {
	ids, err := t.backing.Renew(ctx, now)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, key(id))
	}
	return ids, t.cmd.Del(ctx, keys...).Err()
}
