package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

type PollerConfig struct {
	// After is how long a sent message waits for a webhook before polling.
	After time.Duration
	// GiveUp stops polling messages sent longer ago than this.
	GiveUp time.Duration
	Limit  int
}

// Poller asks providers for receipts that never arrived by webhook and feeds
// them to the reconciler.
type Poller struct {
	messages   repo.MessageRepository
	channels   service.ChannelResolver
	reconciler *Reconciler
	cfg        PollerConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewPoller(messages repo.MessageRepository, channels service.ChannelResolver, reconciler *Reconciler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.After <= 0 {
		cfg.After = 15 * time.Minute
	}
	if cfg.GiveUp <= cfg.After {
		cfg.GiveUp = 7 * 24 * time.Hour
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		messages:   messages,
		channels:   channels,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Poll is the tick function of the status poll scheduler.
func (p *Poller) Poll(ctx context.Context) {
	now := p.now()
	msgs, err := p.messages.ClaimAwaitingReceipt(ctx, now, now.Add(-p.cfg.After), now.Add(-p.cfg.GiveUp), p.cfg.Limit)
	if err != nil {
		p.logger.Error("list messages awaiting receipt failed", "err", err)
		return
	}

	var polled int
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if m.ProviderMessageID == nil {
			continue
		}
		log := p.logger.With("record_id", m.ID, "tenant_id", m.TenantID)

		adapter, err := p.channels.Resolve(ctx, m.TenantID)
		if err != nil {
			log.Debug("status poll skipped", "err", err)
			continue
		}
		st, err := adapter.FetchStatus(ctx, *m.ProviderMessageID)
		if errors.Is(err, errs.ErrStatusUnsupported) {
			continue
		}
		if err != nil {
			log.Warn("fetch status failed", "err", err)
			continue
		}
		if err := p.reconciler.ApplyStatus(ctx, StatusEvent{ProviderMessageID: *m.ProviderMessageID, State: st, At: now}); err != nil {
			log.Error("apply polled status failed", "err", err)
			continue
		}
		polled++
	}

	if len(msgs) > 0 {
		p.logger.Info("status poll finished", "checked", len(msgs), "polled", polled)
	}
}
