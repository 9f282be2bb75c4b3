package model

import "time"

type Provider string

const (
	ProviderWhatsAppCloud Provider = "whatsapp_cloud"
	ProviderTwilio        Provider = "twilio"
	ProviderRelay         Provider = "relay"
)

// ChannelConfig is a tenant's messaging channel credentials. It is owned by
// account management and only read here.
type ChannelConfig struct {
	TenantID int64
	Provider Provider
	// AccountID is the WhatsApp phone number id, the Twilio account SID or
	// the relay name. Inbound webhooks are routed to a tenant by it.
	AccountID   string
	AccessToken string
	FromNumber  string
	BaseURL     string
	Active      bool
	UpdatedAt   time.Time
}

type QuotaState struct {
	TenantID        int64
	Allotted        int
	Used            int
	PeriodExpiresAt *time.Time
}

// Remaining is zero once the period has expired.
func (q QuotaState) Remaining(now time.Time) int {
	if q.PeriodExpiresAt != nil && !now.Before(*q.PeriodExpiresAt) {
		return 0
	}
	if r := q.Allotted - q.Used; r > 0 {
		return r
	}
	return 0
}

type Contact struct {
	ID          int64
	TenantID    int64
	Name        string
	Phone       string
	LastContact *time.Time
}

type Appointment struct {
	ID        int64
	TenantID  int64
	ContactID int64
	Title     string
	Location  string
	StartsAt  time.Time
	Status    string
}

type Bill struct {
	ID          int64
	TenantID    int64
	ContactID   int64
	AmountCents int64
	Currency    string
	DueDate     time.Time
	Status      string
}
