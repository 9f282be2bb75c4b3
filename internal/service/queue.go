package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ecodeclub/ekit/slice"
	"github.com/google/uuid"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/phone"
	"github.com/LeventeLantos/message-dispatch/internal/quota"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type EnqueueRequest struct {
	TenantID     int64
	ContactID    int64
	Kind         model.Kind
	Payload      model.Payload
	ScheduledFor *time.Time
	Source       model.Source
	DedupeKey    *string
	CampaignID   *string
}

type BulkRequest struct {
	TenantID     int64
	ContactIDs   []int64
	Kind         model.Kind
	Payload      model.Payload
	ScheduledFor *time.Time
	CampaignID   *string
}

type BulkResult struct {
	BatchID    string  `json:"batchId,omitempty"`
	Queued     int     `json:"queued"`
	Rejected   int     `json:"rejected"`
	Skipped    int     `json:"skipped"`
	MessageIDs []int64 `json:"messageIds,omitempty"`
}

// Queue is the entry point for new outbound messages. It validates and
// persists them as pending and hands unscheduled ones to the dispatcher
// right away.
type Queue struct {
	messages   repo.MessageRepository
	contacts   repo.ContactDirectory
	channels   ChannelResolver
	quota      quota.Tracker
	dispatcher *Dispatcher
	region     string
	contentMax int
	logger     *slog.Logger
	now        func() time.Time
}

func NewQueue(
	messages repo.MessageRepository,
	contacts repo.ContactDirectory,
	channels ChannelResolver,
	tracker quota.Tracker,
	dispatcher *Dispatcher,
	region string,
	contentMax int,
	logger *slog.Logger,
) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		messages:   messages,
		contacts:   contacts,
		channels:   channels,
		quota:      tracker,
		dispatcher: dispatcher,
		region:     region,
		contentMax: contentMax,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *Queue) validate(kind model.Kind, p model.Payload) error {
	switch kind {
	case model.KindText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: text is required", errs.ErrInvalidPayload)
		}
		if q.contentMax > 0 && utf8.RuneCountInString(p.Text) > q.contentMax {
			return fmt.Errorf("%w: text exceeds %d chars", errs.ErrInvalidPayload, q.contentMax)
		}
	case model.KindMedia:
		if p.MediaURL == "" {
			return fmt.Errorf("%w: mediaUrl is required", errs.ErrInvalidPayload)
		}
	case model.KindTemplate:
		if p.TemplateName == "" {
			return fmt.Errorf("%w: templateName is required", errs.ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", errs.ErrInvalidPayload, kind)
	}
	return nil
}

func (q *Queue) recipient(ctx context.Context, tenantID, contactID int64) (string, error) {
	c, err := q.contacts.GetContact(ctx, tenantID, contactID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", fmt.Errorf("contact %d: %w", contactID, errs.ErrUnknownContact)
		}
		return "", err
	}
	num, err := phone.Normalize(c.Phone, q.region)
	if err != nil {
		return "", fmt.Errorf("%w: contact %d phone %q", errs.ErrInvalidPayload, contactID, c.Phone)
	}
	return num, nil
}

func (q *Queue) ensureChannel(ctx context.Context, tenantID int64) error {
	_, err := q.channels.Resolve(ctx, tenantID)
	return err
}

func (q *Queue) isImmediate(scheduledFor *time.Time) bool {
	return scheduledFor == nil || !scheduledFor.After(q.now())
}

// Enqueue stores one message. Messages without a future ScheduledFor are
// dispatched before returning; the returned record reflects that attempt.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (model.Message, error) {
	if err := q.validate(req.Kind, req.Payload); err != nil {
		return model.Message{}, err
	}
	if err := q.ensureChannel(ctx, req.TenantID); err != nil {
		return model.Message{}, err
	}
	to, err := q.recipient(ctx, req.TenantID, req.ContactID)
	if err != nil {
		return model.Message{}, err
	}

	ok, err := q.quota.CheckAndReserve(ctx, req.TenantID, 1)
	if err != nil {
		return model.Message{}, fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		return model.Message{}, errs.ErrQuotaExceeded
	}

	source := req.Source
	if source == "" {
		source = model.SourceAPI
	}
	m := model.Message{
		TenantID:     req.TenantID,
		ContactID:    req.ContactID,
		Recipient:    to,
		Kind:         req.Kind,
		Payload:      req.Payload,
		State:        model.Pending,
		Source:       source,
		ScheduledFor: req.ScheduledFor,
		CampaignID:   req.CampaignID,
		DedupeKey:    req.DedupeKey,
	}
	immediate := q.isImmediate(req.ScheduledFor)
	if immediate {
		m.ClaimedUntil = q.dispatcher.claimFrom(q.now())
	}
	if err := q.messages.Create(ctx, &m); err != nil {
		return model.Message{}, err
	}
	q.logger.Info("message queued", "record_id", m.ID, "tenant_id", m.TenantID, "source", m.Source)

	if !immediate {
		return m, nil
	}

	q.dispatcher.Dispatch(context.WithoutCancel(ctx), m)
	return q.reload(ctx, m), nil
}

// EnqueueBulk admits the whole batch against the quota or none of it.
// Contacts that cannot be resolved are skipped.
func (q *Queue) EnqueueBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if len(req.ContactIDs) == 0 {
		return BulkResult{}, fmt.Errorf("%w: no recipients", errs.ErrInvalidPayload)
	}
	if err := q.validate(req.Kind, req.Payload); err != nil {
		return BulkResult{}, err
	}
	if err := q.ensureChannel(ctx, req.TenantID); err != nil {
		return BulkResult{}, err
	}

	ok, err := q.quota.CheckAndReserve(ctx, req.TenantID, len(req.ContactIDs))
	if err != nil {
		return BulkResult{}, fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		q.logger.Warn("bulk send rejected by quota", "tenant_id", req.TenantID, "size", len(req.ContactIDs))
		return BulkResult{Rejected: len(req.ContactIDs)}, nil
	}

	batchID := uuid.NewString()
	res := BulkResult{BatchID: batchID}
	created := make([]model.Message, 0, len(req.ContactIDs))

	var claim *time.Time
	immediate := q.isImmediate(req.ScheduledFor)
	if immediate {
		claim = q.dispatcher.claimFrom(q.now())
	}

	for _, contactID := range req.ContactIDs {
		to, err := q.recipient(ctx, req.TenantID, contactID)
		if errors.Is(err, errs.ErrUnknownContact) || errors.Is(err, errs.ErrInvalidPayload) {
			q.logger.Warn("bulk recipient skipped", "tenant_id", req.TenantID, "contact_id", contactID, "err", err)
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}

		m := model.Message{
			TenantID:     req.TenantID,
			ContactID:    contactID,
			Recipient:    to,
			Kind:         req.Kind,
			Payload:      req.Payload,
			State:        model.Pending,
			Source:       model.SourceBulk,
			ScheduledFor: req.ScheduledFor,
			BatchID:      &batchID,
			CampaignID:   req.CampaignID,
			ClaimedUntil: claim,
		}
		if err := q.messages.Create(ctx, &m); err != nil {
			return res, err
		}
		created = append(created, m)
	}
	res.Queued = len(created)
	res.MessageIDs = slice.Map(created, func(idx int, m model.Message) int64 { return m.ID })

	q.logger.Info("bulk messages queued", "tenant_id", req.TenantID, "batch_id", batchID, "queued", res.Queued, "skipped", res.Skipped)

	if immediate && len(created) > 0 {
		q.dispatcher.ProcessBatch(context.WithoutCancel(ctx), created)
	}
	return res, nil
}

// Cancel moves a pending message to cancelled. It fails with
// errs.ErrNotCancellable once the message has left pending.
func (q *Queue) Cancel(ctx context.Context, tenantID, id int64) error {
	m, err := q.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if m.State != model.Pending {
		return errs.ErrNotCancellable
	}

	won, err := q.messages.Transition(ctx, id, model.Pending, model.Cancelled, model.TransitionFields{})
	if err != nil {
		return err
	}
	if !won {
		return errs.ErrNotCancellable
	}
	q.logger.Info("message cancelled", "record_id", id, "tenant_id", tenantID)
	return nil
}

func (q *Queue) Status(ctx context.Context, tenantID, id int64) (model.StatusView, error) {
	m, err := q.get(ctx, tenantID, id)
	if err != nil {
		return model.StatusView{}, err
	}
	return m.Status(), nil
}

func (q *Queue) ListSent(ctx context.Context, tenantID int64, limit, offset int) ([]model.Message, error) {
	return q.messages.ListSent(ctx, tenantID, limit, offset)
}

func (q *Queue) Analytics(ctx context.Context, tenantID int64, from, to *time.Time) (model.Analytics, error) {
	counts, err := q.messages.CountByState(ctx, tenantID, from, to)
	if err != nil {
		return model.Analytics{}, err
	}
	return model.NewAnalytics(counts), nil
}

func (q *Queue) Quota(ctx context.Context, tenantID int64) (model.QuotaState, error) {
	return q.quota.Get(ctx, tenantID)
}

func (q *Queue) get(ctx context.Context, tenantID, id int64) (model.Message, error) {
	m, err := q.messages.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.TenantID != tenantID {
		return model.Message{}, errs.ErrNotFound
	}
	return m, nil
}

func (q *Queue) reload(ctx context.Context, m model.Message) model.Message {
	fresh, err := q.messages.Get(ctx, m.ID)
	if err != nil {
		return m
	}
	return fresh
}
