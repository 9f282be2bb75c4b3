package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

type PostgresTracker struct {
	db     *sql.DB
	period time.Duration
	now    func() time.Time
}

func NewPostgresTracker(db *sql.DB, period time.Duration) *PostgresTracker {
	return &PostgresTracker{db: db, period: period, now: time.Now}
}

func (t *PostgresTracker) Get(ctx context.Context, tenantID int64) (model.QuotaState, error) {
	q := model.QuotaState{TenantID: tenantID}
	var expires sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		SELECT allotted, used, period_expires_at
		FROM quotas
		WHERE tenant_id = $1
	`, tenantID).Scan(&q.Allotted, &q.Used, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QuotaState{}, errs.ErrNotFound
	}
	if err != nil {
		return model.QuotaState{}, err
	}
	if expires.Valid {
		e := expires.Time
		q.PeriodExpiresAt = &e
	}
	return q, nil
}

func (t *PostgresTracker) CheckAndReserve(ctx context.Context, tenantID int64, count int) (bool, error) {
	q, err := t.Get(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load quota: %w", err)
	}
	return q.Remaining(t.now()) >= count, nil
}

func (t *PostgresTracker) Commit(ctx context.Context, tenantID int64, count int) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE quotas
		SET used = used + $2
		WHERE tenant_id = $1
	`, tenantID, count)
	return err
}

func (t *PostgresTracker) Renew(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := t.db.QueryContext(ctx, `
		UPDATE quotas
		SET used = 0,
		    period_expires_at = period_expires_at + $2 * interval '1 second'
		WHERE period_expires_at <= $1
		RETURNING tenant_id
	`, now, int64(t.period/time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
