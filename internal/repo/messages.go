package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

type MessageRepository interface {
	// Create inserts m and fills its ID and timestamps. A clash on the
	// dedupe key or provider message id returns errs.ErrDuplicate.
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id int64) (model.Message, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (model.Message, error)
	// Transition moves the record from expected to next only if it is still
	// in expected. It reports false when another writer got there first.
	Transition(ctx context.Context, id int64, expected, next model.State, f model.TransitionFields) (bool, error)
	// ClaimDue leases up to limit due pending records so concurrent sweeps
	// do not pick the same ones.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error)
	// ClaimAwaitingReceipt returns up to limit sent or delivered records
	// whose send time lies in (sentAfter, sentBefore], least recently polled
	// first, and stamps them as polled at now.
	ClaimAwaitingReceipt(ctx context.Context, now, sentBefore, sentAfter time.Time, limit int) ([]model.Message, error)
	ListSent(ctx context.Context, tenantID int64, limit, offset int) ([]model.Message, error)
	CountByState(ctx context.Context, tenantID int64, from, to *time.Time) (map[model.State]int, error)
}

type TenantRepository interface {
	GetChannelConfig(ctx context.Context, tenantID int64) (model.ChannelConfig, error)
	FindByAccount(ctx context.Context, provider model.Provider, accountID string) (model.ChannelConfig, error)
}

type ContactDirectory interface {
	GetContact(ctx context.Context, tenantID, contactID int64) (model.Contact, error)
	FindContactByPhone(ctx context.Context, tenantID int64, phone string) (model.Contact, error)
	TouchLastContact(ctx context.Context, tenantID, contactID int64, at time.Time) error
}

type ReminderSource interface {
	AppointmentsBetween(ctx context.Context, from, to time.Time) ([]model.Appointment, error)
	BillsDueBetween(ctx context.Context, from, to time.Time) ([]model.Bill, error)
	OverdueBills(ctx context.Context, asOf time.Time) ([]model.Bill, error)
}
