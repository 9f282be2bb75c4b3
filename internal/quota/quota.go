package quota

import (
	"context"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// Tracker enforces a tenant's message allowance. CheckAndReserve only
// admits; usage grows through Commit once a message is actually sent.
type Tracker interface {
	CheckAndReserve(ctx context.Context, tenantID int64, count int) (bool, error)
	Commit(ctx context.Context, tenantID int64, count int) error
	Get(ctx context.Context, tenantID int64) (model.QuotaState, error)
	// Renew resets usage for every tenant whose period ended before now and
	// returns the renewed tenant ids.
	Renew(ctx context.Context, now time.Time) ([]int64, error)
}
