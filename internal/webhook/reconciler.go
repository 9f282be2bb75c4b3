package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/metrics"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/phone"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const maxApplyAttempts = 3

type StatusEvent struct {
	ProviderMessageID string
	State             model.State
	At                time.Time
	Reason            string
}

type InboundEvent struct {
	Provider          model.Provider
	AccountID         string
	From              string
	ProviderMessageID string
	// Type is the provider message type: text, image, document...
	Type string
	Text string
	At   time.Time
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (model.Message, error)
}

type ReconcilerConfig struct {
	AutoReply bool
	Region    string
}

// Reconciler applies provider callbacks to stored messages. Every write goes
// through the store's compare-and-set, so replays and out-of-order events
// never move a message backwards.
type Reconciler struct {
	messages repo.MessageRepository
	index    cache.MessageCache
	tenants  repo.TenantRepository
	contacts repo.ContactDirectory
	replies  Enqueuer
	cfg      ReconcilerConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(
	messages repo.MessageRepository,
	index cache.MessageCache,
	tenants repo.TenantRepository,
	contacts repo.ContactDirectory,
	replies Enqueuer,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if index == nil {
		index = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		messages: messages,
		index:    index,
		tenants:  tenants,
		contacts: contacts,
		replies:  replies,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ApplyStatus advances the message identified by ev.ProviderMessageID.
// Unknown ids and stale statuses are dropped without error.
func (r *Reconciler) ApplyStatus(ctx context.Context, ev StatusEvent) error {
	log := r.logger.With("provider_message_id", ev.ProviderMessageID, "status", ev.State)

	m, err := r.lookup(ctx, ev.ProviderMessageID)
	if errors.Is(err, errs.ErrNotFound) {
		log.Info("status for unknown message dropped")
		metrics.WebhookEventsTotal.WithLabelValues("status", "unknown").Inc()
		return nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("status", "error").Inc()
		return err
	}
	log = log.With("record_id", m.ID, "tenant_id", m.TenantID)

	if ev.State == model.Failed {
		// sent -> failed is not a lifecycle edge; keep the record as it is.
		log.Warn("provider reported delivery failure", "state", m.State, "reason", ev.Reason)
		metrics.WebhookEventsTotal.WithLabelValues("status", "ignored").Inc()
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if m.State.Rank() == 0 || ev.State.Rank() <= m.State.Rank() {
			log.Debug("status not newer than record, skipped", "state", m.State)
			metrics.WebhookEventsTotal.WithLabelValues("status", "stale").Inc()
			return nil
		}

		var f model.TransitionFields
		switch ev.State {
		case model.Delivered:
			f.DeliveredAt = &at
		case model.Read:
			f.DeliveredAt = &at
			f.ReadAt = &at
		}

		won, err := r.messages.Transition(ctx, m.ID, m.State, ev.State, f)
		if err != nil {
			metrics.WebhookEventsTotal.WithLabelValues("status", "error").Inc()
			return err
		}
		if won {
			log.Info("message status updated", "from", m.State, "state", ev.State)
			metrics.WebhookEventsTotal.WithLabelValues("status", "applied").Inc()
			return nil
		}

		m, err = r.messages.Get(ctx, m.ID)
		if err != nil {
			return err
		}
	}

	log.Warn("status not applied after concurrent updates", "state", m.State)
	metrics.WebhookEventsTotal.WithLabelValues("status", "conflict").Inc()
	return nil
}

func (r *Reconciler) lookup(ctx context.Context, providerMessageID string) (model.Message, error) {
	if providerMessageID == "" {
		return model.Message{}, errs.ErrNotFound
	}

	id, ok, err := r.index.LookupByProviderID(ctx, providerMessageID)
	if err != nil {
		r.logger.Warn("provider id index lookup failed", "err", err)
	}
	if ok {
		m, err := r.messages.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return model.Message{}, err
		}
	}
	return r.messages.FindByProviderMessageID(ctx, providerMessageID)
}

// HandleInbound records a message sent by a known contact and answers it
// through the reply policy when enabled. Senders that are not contacts of
// the receiving tenant are dropped.
func (r *Reconciler) HandleInbound(ctx context.Context, ev InboundEvent) error {
	log := r.logger.With("provider", ev.Provider, "account_id", ev.AccountID, "provider_message_id", ev.ProviderMessageID)

	cfg, err := r.tenants.FindByAccount(ctx, ev.Provider, ev.AccountID)
	if errors.Is(err, errs.ErrNotFound) {
		log.Warn("inbound message for unknown account dropped")
		metrics.WebhookEventsTotal.WithLabelValues("inbound", "unknown").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	log = log.With("tenant_id", cfg.TenantID)

	from, err := phone.Normalize(ev.From, r.cfg.Region)
	if err != nil {
		log.Warn("inbound sender number invalid, dropped", "from", ev.From)
		metrics.WebhookEventsTotal.WithLabelValues("inbound", "unknown").Inc()
		return nil
	}

	contact, err := r.contacts.FindContactByPhone(ctx, cfg.TenantID, from)
	if errors.Is(err, errs.ErrNotFound) {
		log.Warn("contact not found for inbound message", "from", from)
		metrics.WebhookEventsTotal.WithLabelValues("inbound", "unknown").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	rec := model.Message{
		TenantID:  cfg.TenantID,
		ContactID: contact.ID,
		Recipient: from,
		Kind:      model.KindIncoming,
		Payload:   model.Payload{Text: ev.Text, MediaType: ev.Type},
		State:     model.Received,
		Source:    model.SourceInbound,
	}
	if ev.ProviderMessageID != "" {
		pid := ev.ProviderMessageID
		rec.ProviderMessageID = &pid
	}
	if err := r.messages.Create(ctx, &rec); err != nil {
		if errors.Is(err, errs.ErrDuplicate) {
			log.Debug("inbound message already recorded")
			metrics.WebhookEventsTotal.WithLabelValues("inbound", "duplicate").Inc()
			return nil
		}
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues("inbound", "applied").Inc()

	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	if err := r.contacts.TouchLastContact(ctx, cfg.TenantID, contact.ID, at.UTC()); err != nil {
		log.Warn("update last contact failed", "contact_id", contact.ID, "err", err)
	}

	if !r.cfg.AutoReply || !cfg.Active || r.replies == nil {
		return nil
	}
	text := ReplyFor(ev.Type, ev.Text)
	if text == "" {
		return nil
	}
	reply, err := r.replies.Enqueue(ctx, service.EnqueueRequest{
		TenantID:  cfg.TenantID,
		ContactID: contact.ID,
		Kind:      model.KindText,
		Payload:   model.Payload{Text: text},
		Source:    model.SourceAutoReply,
	})
	if err != nil {
		log.Warn("auto reply not queued", "contact_id", contact.ID, "err", err)
		return nil
	}
	log.Info("auto reply queued", "record_id", reply.ID, "state", reply.State)
	return nil
}
