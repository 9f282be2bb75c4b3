package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

const messageColumns = `id, tenant_id, contact_id, recipient, kind, payload, state, source,
	scheduled_for, sent_at, delivered_at, read_at, last_error, retry_count,
	batch_id, campaign_id, dedupe_key, provider_message_id, version, created_at, updated_at`

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if m.State == "" {
		m.State = model.Pending
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO messages (tenant_id, contact_id, recipient, kind, payload, state, source,
		                      scheduled_for, batch_id, campaign_id, dedupe_key, provider_message_id, claimed_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at, updated_at
	`, m.TenantID, m.ContactID, m.Recipient, string(m.Kind), string(payload), string(m.State), string(m.Source),
		m.ScheduledFor, m.BatchID, m.CampaignID, m.DedupeKey, m.ProviderMessageID, m.ClaimedUntil,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrDuplicate
	}
	return err
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanOne(row)
}

func (r *PostgresMessageRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerMessageID)
	return scanOne(row)
}

func (r *PostgresMessageRepo) Transition(ctx context.Context, id int64, expected, next model.State, f model.TransitionFields) (bool, error) {
	if !model.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, expected, next)
	}

	inc := 0
	if f.IncrementRetry {
		inc = 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET state = $3,
		    provider_message_id = COALESCE(provider_message_id, $4),
		    sent_at = COALESCE(sent_at, $5),
		    delivered_at = COALESCE(delivered_at, $6),
		    read_at = COALESCE(read_at, $7),
		    last_error = COALESCE($8, last_error),
		    retry_count = retry_count + $9,
		    scheduled_for = COALESCE($10, scheduled_for),
		    claimed_until = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND state = $2
	`, id, string(expected), string(next),
		f.ProviderMessageID, f.SentAt, f.DeliveredAt, f.ReadAt, f.LastError, inc, f.ScheduledFor,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresMessageRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE state = 'pending'
		  AND kind <> 'incoming'
		  AND COALESCE(scheduled_for, created_at) <= $1
		  AND (claimed_until IS NULL OR claimed_until < $1)
		ORDER BY COALESCE(scheduled_for, created_at) ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	until := now.Add(lease)
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET claimed_until = $2
			WHERE id = $1
		`, m.ID, until); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) ClaimAwaitingReceipt(ctx context.Context, now, sentBefore, sentAfter time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE state IN ('sent', 'delivered')
		  AND provider_message_id IS NOT NULL
		  AND sent_at <= $1 AND sent_at > $2
		ORDER BY last_polled_at ASC NULLS FIRST, sent_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, sentBefore, sentAfter, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET last_polled_at = $2
			WHERE id = $1
		`, m.ID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) ListSent(ctx context.Context, tenantID int64, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE tenant_id = $1 AND state IN ('sent', 'delivered', 'read')
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func (r *PostgresMessageRepo) CountByState(ctx context.Context, tenantID int64, from, to *time.Time) (map[model.State]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM messages
		WHERE tenant_id = $1
		  AND kind <> 'incoming'
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		GROUP BY state
	`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[model.State(state)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (model.Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, errs.ErrNotFound
	}
	return m, err
}

func scanAll(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		m                                              model.Message
		kind, state, source                            string
		payload                                        []byte
		scheduledFor, sentAt, deliveredAt, readAt      sql.NullTime
		lastErr, batchID, campaignID, dedupe, remoteID sql.NullString
	)
	if err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.ContactID,
		&m.Recipient,
		&kind,
		&payload,
		&state,
		&source,
		&scheduledFor,
		&sentAt,
		&deliveredAt,
		&readAt,
		&lastErr,
		&m.RetryCount,
		&batchID,
		&campaignID,
		&dedupe,
		&remoteID,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, err
	}

	m.Kind = model.Kind(kind)
	m.State = model.State(state)
	m.Source = model.Source(source)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return model.Message{}, fmt.Errorf("decode payload of message %d: %w", m.ID, err)
		}
	}

	m.ScheduledFor = nullTime(scheduledFor)
	m.SentAt = nullTime(sentAt)
	m.DeliveredAt = nullTime(deliveredAt)
	m.ReadAt = nullTime(readAt)
	m.LastError = nullString(lastErr)
	m.BatchID = nullString(batchID)
	m.CampaignID = nullString(campaignID)
	m.DedupeKey = nullString(dedupe)
	m.ProviderMessageID = nullString(remoteID)
	return m, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
