package model

import "time"

type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	Received  State = "received"
)

type Kind string

const (
	KindText     Kind = "text"
	KindMedia    Kind = "media"
	KindTemplate Kind = "template"
	KindIncoming Kind = "incoming"
)

type Source string

const (
	SourceAPI       Source = "api"
	SourceBulk      Source = "bulk"
	SourceReminder  Source = "reminder"
	SourceAutoReply Source = "auto_reply"
	SourceInbound   Source = "inbound"
)

type Payload struct {
	Text             string   `json:"text,omitempty"`
	MediaURL         string   `json:"mediaUrl,omitempty"`
	MediaType        string   `json:"mediaType,omitempty"`
	Caption          string   `json:"caption,omitempty"`
	FileName         string   `json:"fileName,omitempty"`
	TemplateName     string   `json:"templateName,omitempty"`
	TemplateLanguage string   `json:"templateLanguage,omitempty"`
	Variables        []string `json:"variables,omitempty"`
}

// Message is one outbound or inbound message and its delivery lifecycle.
type Message struct {
	ID                int64      `json:"id"`
	TenantID          int64      `json:"tenantId"`
	ContactID         int64      `json:"contactId"`
	Recipient         string     `json:"recipient"`
	Kind              Kind       `json:"kind"`
	Payload           Payload    `json:"payload"`
	State             State      `json:"state"`
	Source            Source     `json:"source"`
	ScheduledFor      *time.Time `json:"scheduledFor,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time `json:"readAt,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	RetryCount        int        `json:"retryCount"`
	BatchID           *string    `json:"batchId,omitempty"`
	CampaignID        *string    `json:"campaignId,omitempty"`
	DedupeKey         *string    `json:"-"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	// ClaimedUntil is only read on insert. A record created with a claim is
	// invisible to sweeps until the claim lapses.
	ClaimedUntil      *time.Time `json:"-"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// DueAt is the instant the message became eligible for dispatch.
func (m Message) DueAt() time.Time {
	if m.ScheduledFor != nil && m.ScheduledFor.After(m.CreatedAt) {
		return *m.ScheduledFor
	}
	return m.CreatedAt
}

// TransitionFields carries the column updates applied together with a state
// change. Nil pointers leave the stored value untouched.
type TransitionFields struct {
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	LastError         *string
	IncrementRetry    bool
	ScheduledFor      *time.Time
}

// StatusView is what callers polling a single message get back.
type StatusView struct {
	ID          int64      `json:"id"`
	State       State      `json:"state"`
	SentAt      *time.Time `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
	Error       *string    `json:"error"`
}

func (m Message) Status() StatusView {
	return StatusView{
		ID:          m.ID,
		State:       m.State,
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		Error:       m.LastError,
	}
}

type Analytics struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Read         int     `json:"read"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
}

// NewAnalytics derives the overview from per-state counts. Delivery rate is
// delivered over total, read rate is read over delivered, both in percent.
func NewAnalytics(counts map[State]int) Analytics {
	a := Analytics{
		Pending:   counts[Pending],
		Sent:      counts[Sent],
		Delivered: counts[Delivered],
		Read:      counts[Read],
		Failed:    counts[Failed],
		Cancelled: counts[Cancelled],
	}
	a.Total = a.Pending + a.Sent + a.Delivered + a.Read + a.Failed + a.Cancelled
	if a.Total > 0 {
		a.DeliveryRate = roundPct(float64(a.Delivered) / float64(a.Total))
	}
	if a.Delivered > 0 {
		a.ReadRate = roundPct(float64(a.Read) / float64(a.Delivered))
	}
	return a
}

func roundPct(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 100
}
