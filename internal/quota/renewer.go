package quota

import (
	"context"
	"log/slog"
	"time"
)

// Renewer rolls expired quota periods over. Run matches cron.Job.
type Renewer struct {
	tracker Tracker
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRenewer(tracker Tracker, logger *slog.Logger) *Renewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renewer{tracker: tracker, timeout: time.Minute, logger: logger, now: time.Now}
}

func (r *Renewer) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ids, err := r.tracker.Renew(ctx, r.now())
	if err != nil {
		r.logger.Error("quota renewal failed", "err", err)
		return
	}
	r.logger.Info("quota periods renewed", "tenants", len(ids))
}
