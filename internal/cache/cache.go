package cache

import (
	"context"
	"time"
)

// Sent is the journal entry written as soon as a provider accepts a message.
type Sent struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

// MessageCache journals accepted sends by record id, so a send whose database
// write was lost is recorded instead of repeated, and indexes them by
// provider message id so webhook reconciliation can skip the database lookup.
type MessageCache interface {
	StoreSent(ctx context.Context, internalID int64, providerMessageID string, sentAt time.Time) error
	LookupSent(ctx context.Context, internalID int64) (Sent, bool, error)
	LookupByProviderID(ctx context.Context, providerMessageID string) (int64, bool, error)
}

// Nop is used when Redis is not configured.
type Nop struct{}

func (Nop) StoreSent(context.Context, int64, string, time.Time) error { return nil }

func (Nop) LookupSent(context.Context, int64) (Sent, bool, error) { return Sent{}, false, nil }

func (Nop) LookupByProviderID(context.Context, string) (int64, bool, error) { return 0, false, nil }
