package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ecodeclub/ekit/retry"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/channel"
	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/metrics"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/quota"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type ChannelResolver interface {
	Resolve(ctx context.Context, tenantID int64) (channel.Adapter, error)
}

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
	// OutcomeDeferred leaves the record pending for a later sweep.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeConflict means another writer changed the record first.
	OutcomeConflict Outcome = "conflict"
)

type DispatcherConfig struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QuotaMaxWait   time.Duration
	ContentMax     int
	Fanout         int
	BatchSize      int
	ClaimLease     time.Duration
}

type Dispatcher struct {
	channels ChannelResolver
	quota    quota.Tracker
	messages repo.MessageRepository
	index    cache.MessageCache
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(
	channels ChannelResolver,
	tracker quota.Tracker,
	messages repo.MessageRepository,
	index cache.MessageCache,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Minute
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if index == nil {
		index = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels: channels,
		quota:    tracker,
		messages: messages,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch attempts one pending message and writes the result back. It never
// returns an error: every failure is recorded on the message or logged.
func (d *Dispatcher) Dispatch(ctx context.Context, m model.Message) Outcome {
	log := d.logger.With("record_id", m.ID, "tenant_id", m.TenantID)

	if m.State != model.Pending {
		return OutcomeConflict
	}

	journaled, hit, err := d.index.LookupSent(ctx, m.ID)
	if err != nil {
		log.Warn("send journal read failed", "err", err)
	}
	if hit {
		log.Warn("message already accepted by provider, recording journaled send", "provider_message_id", journaled.ProviderMessageID)
		return d.recordSent(ctx, log, m, journaled.ProviderMessageID, journaled.SentAt)
	}

	if m.Kind == model.KindText && d.cfg.ContentMax > 0 && utf8.RuneCountInString(m.Payload.Text) > d.cfg.ContentMax {
		return d.fail(ctx, log, m, fmt.Sprintf("content exceeds %d chars", d.cfg.ContentMax), false)
	}

	adapter, err := d.channels.Resolve(ctx, m.TenantID)
	if errors.Is(err, errs.ErrChannelNotConfigured) {
		return d.fail(ctx, log, m, errs.ErrChannelNotConfigured.Error(), false)
	}
	if err != nil {
		log.Error("resolve channel failed", "err", err)
		return OutcomeDeferred
	}

	ok, err := d.quota.CheckAndReserve(ctx, m.TenantID, 1)
	if err != nil {
		log.Error("quota check failed", "err", err)
		return OutcomeDeferred
	}
	if !ok {
		metrics.QuotaDenialsTotal.Inc()
		if d.now().Sub(m.DueAt()) > d.cfg.QuotaMaxWait {
			return d.fail(ctx, log, m, errs.ErrQuotaExceeded.Error(), false)
		}
		log.Info("quota exhausted, message deferred")
		d.count(adapter.Name(), OutcomeDeferred)
		return OutcomeDeferred
	}

	providerID, sendErr := adapter.Send(ctx, m.Recipient, m.Kind, m.Payload)
	if sendErr != nil {
		outcome := d.handleSendError(ctx, log, m, sendErr)
		d.count(adapter.Name(), outcome)
		return outcome
	}

	sentAt := d.now().UTC()
	if err := d.index.StoreSent(ctx, m.ID, providerID, sentAt); err != nil {
		log.Warn("send journal write failed", "err", err)
	}

	outcome := d.recordSent(ctx, log, m, providerID, sentAt)
	d.count(adapter.Name(), outcome)
	return outcome
}

// recordSent moves m from pending to sent and charges the tenant.
func (d *Dispatcher) recordSent(ctx context.Context, log *slog.Logger, m model.Message, providerID string, sentAt time.Time) Outcome {
	won, err := d.messages.Transition(ctx, m.ID, model.Pending, model.Sent, model.TransitionFields{
		ProviderMessageID: &providerID,
		SentAt:            &sentAt,
	})
	if err != nil {
		log.Error("record sent message failed", "provider_message_id", providerID, "err", err)
		return OutcomeConflict
	}
	if !won {
		log.Warn("message changed while sending, result dropped", "provider_message_id", providerID)
		return OutcomeConflict
	}

	if err := d.quota.Commit(ctx, m.TenantID, 1); err != nil {
		log.Error("quota commit failed", "err", err)
	}

	log.Info("message sent", "state", model.Sent, "provider_message_id", providerID)
	return OutcomeSent
}

func (d *Dispatcher) handleSendError(ctx context.Context, log *slog.Logger, m model.Message, sendErr error) Outcome {
	reason := sendErr.Error()
	attempts := m.RetryCount + 1

	if !errs.IsTransient(sendErr) || attempts >= d.cfg.MaxRetries {
		return d.fail(ctx, log, m, reason, true)
	}

	next := d.now().Add(d.backoff(attempts)).UTC()
	won, err := d.messages.Transition(ctx, m.ID, model.Pending, model.Pending, model.TransitionFields{
		LastError:      &reason,
		IncrementRetry: true,
		ScheduledFor:   &next,
	})
	if err != nil {
		log.Error("record retry failed", "err", err)
		return OutcomeConflict
	}
	if !won {
		return OutcomeConflict
	}
	log.Warn("send failed, retry scheduled", "retry_count", attempts, "next_attempt", next, "err", reason)
	return OutcomeRetrying
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, m model.Message, reason string, attempted bool) Outcome {
	won, err := d.messages.Transition(ctx, m.ID, model.Pending, model.Failed, model.TransitionFields{
		LastError:      &reason,
		IncrementRetry: attempted,
	})
	if err != nil {
		log.Error("record failure failed", "err", err)
		return OutcomeConflict
	}
	if !won {
		return OutcomeConflict
	}
	log.Warn("message failed", "state", model.Failed, "reason", reason)
	return OutcomeFailed
}

// backoff is the delay before the given retry, doubling from
// BackoffInitial and capped at BackoffMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	s, err := retry.NewExponentialBackoffRetryStrategy(d.cfg.BackoffInitial, d.cfg.BackoffMax, int32(d.cfg.MaxRetries))
	if err != nil {
		return d.cfg.BackoffInitial
	}
	delay := d.cfg.BackoffInitial
	for i := 0; i < attempt; i++ {
		next, ok := s.Next()
		if !ok {
			break
		}
		delay = next
	}
	return delay
}

func (d *Dispatcher) count(provider string, o Outcome) {
	metrics.DispatchOutcomesTotal.WithLabelValues(provider, string(o)).Inc()
}

type BatchSummary struct {
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	Conflict int `json:"conflict"`
}

func (s *BatchSummary) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeRetrying:
		s.Retrying++
	case OutcomeFailed:
		s.Failed++
	case OutcomeDeferred:
		s.Deferred++
	case OutcomeConflict:
		s.Conflict++
	}
}

// ProcessBatch dispatches msgs. Records of one tenant go out in order on a
// single worker; up to Fanout tenants are served at once.
func (d *Dispatcher) ProcessBatch(ctx context.Context, msgs []model.Message) BatchSummary {
	var order []int64
	byTenant := make(map[int64][]model.Message)
	for _, m := range msgs {
		if _, ok := byTenant[m.TenantID]; !ok {
			order = append(order, m.TenantID)
		}
		byTenant[m.TenantID] = append(byTenant[m.TenantID], m)
	}

	var (
		mu      sync.Mutex
		summary BatchSummary
		g       errgroup.Group
	)
	g.SetLimit(d.cfg.Fanout)

	for _, tenantID := range order {
		batch := byTenant[tenantID]
		g.Go(func() error {
			for _, m := range batch {
				if ctx.Err() != nil {
					return nil
				}
				o := d.Dispatch(ctx, m)
				mu.Lock()
				summary.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

// claimFrom is the lease for a record its creator dispatches itself, so
// sweeps leave it alone while that send is in flight.
func (d *Dispatcher) claimFrom(now time.Time) *time.Time {
	until := now.Add(d.cfg.ClaimLease)
	return &until
}

// Sweep claims due pending messages and dispatches them. It is the tick
// function of the dispatch scheduler.
func (d *Dispatcher) Sweep(ctx context.Context) {
	msgs, err := d.messages.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.cfg.ClaimLease)
	if err != nil {
		d.logger.Error("claim due messages failed", "err", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	s := d.ProcessBatch(ctx, msgs)
	d.logger.Info("dispatch sweep finished",
		"claimed", len(msgs),
		"sent", s.Sent,
		"retrying", s.Retrying,
		"failed", s.Failed,
		"deferred", s.Deferred,
		"conflict", s.Conflict,
	)
}
