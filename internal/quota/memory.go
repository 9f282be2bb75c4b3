package quota

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

type MemoryTracker struct {
	mu     sync.Mutex
	states map[int64]model.QuotaState
	period time.Duration
	now    func() time.Time
}

func NewMemoryTracker(period time.Duration) *MemoryTracker {
	return &MemoryTracker{states: make(map[int64]model.QuotaState), period: period, now: time.Now}
}

func (t *MemoryTracker) Set(q model.QuotaState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[q.TenantID] = q
}

func (t *MemoryTracker) Get(_ context.Context, tenantID int64) (model.QuotaState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.states[tenantID]
	if !ok {
		return model.QuotaState{}, errs.ErrNotFound
	}
	return q, nil
}

func (t *MemoryTracker) CheckAndReserve(_ context.Context, tenantID int64, count int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.states[tenantID]
	if !ok {
		return false, nil
	}
	return q.Remaining(t.now()) >= count, nil
}

func (t *MemoryTracker) Commit(_ context.Context, tenantID int64, count int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.states[tenantID]
	q.TenantID = tenantID
	q.Used += count
	t.states[tenantID] = q
	return nil
}

func (t *MemoryTracker) Renew(_ context.Context, now time.Time) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for id, q := range t.states {
		if q.PeriodExpiresAt == nil || q.PeriodExpiresAt.After(now) {
			continue
		}
		next := q.PeriodExpiresAt.Add(t.period)
		q.PeriodExpiresAt = &next
		q.Used = 0
		t.states[id] = q
		ids = append(ids, id)
	}
	return ids, nil
}
