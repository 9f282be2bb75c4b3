package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/phone"
)

// PostgresDirectory reads tenant, contact, appointment and bill data that is
// owned by the CRUD side of the product.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const channelColumns = `tenant_id, provider, account_id, access_token, from_number, base_url, active, updated_at`

func (d *PostgresDirectory) GetChannelConfig(ctx context.Context, tenantID int64) (model.ChannelConfig, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channel_configs WHERE tenant_id = $1`, tenantID)
	return scanChannelConfig(row)
}

func (d *PostgresDirectory) FindByAccount(ctx context.Context, provider model.Provider, accountID string) (model.ChannelConfig, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM channel_configs
		WHERE provider = $1 AND account_id = $2
	`, string(provider), accountID)
	return scanChannelConfig(row)
}

func scanChannelConfig(row scanner) (model.ChannelConfig, error) {
	var c model.ChannelConfig
	var provider string
	err := row.Scan(&c.TenantID, &provider, &c.AccountID, &c.AccessToken, &c.FromNumber, &c.BaseURL, &c.Active, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChannelConfig{}, errs.ErrNotFound
	}
	if err != nil {
		return model.ChannelConfig{}, err
	}
	c.Provider = model.Provider(provider)
	return c, nil
}

func (d *PostgresDirectory) GetContact(ctx context.Context, tenantID, contactID int64) (model.Contact, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, phone, last_contact
		FROM contacts
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, contactID)
	return scanContact(row)
}

// FindContactByPhone matches e164 against stored numbers by their digits, so
// contacts saved in national or unformatted spelling still resolve.
func (d *PostgresDirectory) FindContactByPhone(ctx context.Context, tenantID int64, e164 string) (model.Contact, error) {
	f := phone.DigitForms(e164)
	row := d.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, phone, last_contact
		FROM contacts
		WHERE tenant_id = $1
		  AND regexp_replace(phone, '[^0-9]', '', 'g') IN ($2, $3, $4)
		ORDER BY (phone = $5) DESC, id ASC
		LIMIT 1
	`, tenantID, f.International, f.National, f.Significant, e164)
	return scanContact(row)
}

func scanContact(row scanner) (model.Contact, error) {
	var c model.Contact
	var last sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contact{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Contact{}, err
	}
	c.LastContact = nullTime(last)
	return c, nil
}

func (d *PostgresDirectory) TouchLastContact(ctx context.Context, tenantID, contactID int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE contacts
		SET last_contact = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, contactID, at)
	return err
}

func (d *PostgresDirectory) AppointmentsBetween(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, tenant_id, contact_id, title, location, starts_at, status
		FROM appointments
		WHERE starts_at >= $1 AND starts_at < $2
		  AND status IN ('scheduled', 'confirmed')
		ORDER BY starts_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactID, &a.Title, &a.Location, &a.StartsAt, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) BillsDueBetween(ctx context.Context, from, to time.Time) ([]model.Bill, error) {
	return d.queryBills(ctx, `
		SELECT id, tenant_id, contact_id, amount_cents, currency, due_date, status
		FROM bills
		WHERE due_date >= $1 AND due_date <= $2
		  AND status IN ('sent', 'viewed')
		ORDER BY due_date ASC
	`, from, to)
}

func (d *PostgresDirectory) OverdueBills(ctx context.Context, asOf time.Time) ([]model.Bill, error) {
	return d.queryBills(ctx, `
		SELECT id, tenant_id, contact_id, amount_cents, currency, due_date, status
		FROM bills
		WHERE due_date < $1
		  AND status IN ('sent', 'viewed', 'overdue')
		ORDER BY due_date ASC
	`, asOf)
}

func (d *PostgresDirectory) queryBills(ctx context.Context, query string, args ...any) ([]model.Bill, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bill
	for rows.Next() {
		var b model.Bill
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ContactID, &b.AmountCents, &b.Currency, &b.DueDate, &b.Status); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
