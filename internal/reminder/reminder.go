// Package reminder turns appointments and bills into outbound messages.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (model.Message, error)
}

type Config struct {
	AppointmentLookahead time.Duration
	BillLookahead        time.Duration
	// Location is used for dates and times shown to contacts.
	Location *time.Location
}

type Result struct {
	Queued    int
	Duplicate int
	Failed    int
}

type Generator struct {
	source repo.ReminderSource
	queue  Enqueuer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewGenerator(source repo.ReminderSource, queue Enqueuer, cfg Config, logger *slog.Logger) *Generator {
	if cfg.AppointmentLookahead <= 0 {
		cfg.AppointmentLookahead = 24 * time.Hour
	}
	if cfg.BillLookahead <= 0 {
		cfg.BillLookahead = 3 * 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{source: source, queue: queue, cfg: cfg, logger: logger, now: time.Now}
}

// Appointments queues a reminder for every active appointment starting
// within the look-ahead window.
func (g *Generator) Appointments(ctx context.Context) (Result, error) {
	now := g.now().In(g.cfg.Location)
	appts, err := g.source.AppointmentsBetween(ctx, now, now.Add(g.cfg.AppointmentLookahead))
	if err != nil {
		return Result{}, fmt.Errorf("load appointments: %w", err)
	}

	var res Result
	for _, a := range appts {
		key := fmt.Sprintf("appt:%d:%s", a.ID, a.StartsAt.In(g.cfg.Location).Format(time.DateOnly))
		g.enqueue(ctx, &res, a.TenantID, a.ContactID, key, appointmentText(a, now))
	}
	g.logger.Info("appointment reminders queued", "queued", res.Queued, "duplicate", res.Duplicate, "failed", res.Failed)
	return res, nil
}

// Bills queues due-soon reminders and overdue notices. Overdue notices repeat
// once per day until the bill is settled.
func (g *Generator) Bills(ctx context.Context) (Result, error) {
	now := g.now().In(g.cfg.Location)
	today := startOfDay(now)

	upcoming, err := g.source.BillsDueBetween(ctx, today, today.Add(g.cfg.BillLookahead))
	if err != nil {
		return Result{}, fmt.Errorf("load bills due: %w", err)
	}
	overdue, err := g.source.OverdueBills(ctx, today)
	if err != nil {
		return Result{}, fmt.Errorf("load overdue bills: %w", err)
	}

	var res Result
	for _, b := range upcoming {
		key := fmt.Sprintf("bill:%d:%s", b.ID, b.DueDate.In(g.cfg.Location).Format(time.DateOnly))
		g.enqueue(ctx, &res, b.TenantID, b.ContactID, key, billDueText(b, g.cfg.Location))
	}
	for _, b := range overdue {
		key := fmt.Sprintf("overdue:%d:%s", b.ID, today.Format(time.DateOnly))
		g.enqueue(ctx, &res, b.TenantID, b.ContactID, key, overdueText(b, daysBetween(b.DueDate.In(g.cfg.Location), today)))
	}
	g.logger.Info("bill reminders queued", "queued", res.Queued, "duplicate", res.Duplicate, "failed", res.Failed)
	return res, nil
}

func (g *Generator) enqueue(ctx context.Context, res *Result, tenantID, contactID int64, key, text string) {
	_, err := g.queue.Enqueue(ctx, service.EnqueueRequest{
		TenantID:  tenantID,
		ContactID: contactID,
		Kind:      model.KindText,
		Payload:   model.Payload{Text: text},
		Source:    model.SourceReminder,
		DedupeKey: &key,
	})
	switch {
	case err == nil:
		res.Queued++
	case errors.Is(err, errs.ErrDuplicate):
		res.Duplicate++
	default:
		res.Failed++
		g.logger.Warn("reminder not queued", "tenant_id", tenantID, "contact_id", contactID, "dedupe_key", key, "err", err)
	}
}

func appointmentText(a model.Appointment, now time.Time) string {
	start := a.StartsAt.In(now.Location())
	var day string
	switch daysBetween(now, start) {
	case 0:
		day = "today"
	case 1:
		day = "tomorrow"
	default:
		day = "on " + longDate(start)
	}

	text := fmt.Sprintf("Reminder: You have an appointment %q %s at %s.", a.Title, day, start.Format("15:04"))
	if loc := strings.TrimSpace(a.Location); loc != "" {
		text += " Location: " + loc
	}
	return text
}

func billDueText(b model.Bill, loc *time.Location) string {
	return fmt.Sprintf("Reminder: Your bill of %s %s is due on %s. Please make payment to avoid late fees.",
		b.Currency, amount(b.AmountCents), longDate(b.DueDate.In(loc)))
}

func overdueText(b model.Bill, days int) string {
	return fmt.Sprintf("URGENT: Your bill of %s %s is %d days overdue. Please make payment immediately to avoid further action.",
		b.Currency, amount(b.AmountCents), days)
}

func amount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// longDate renders "March 3rd 2025".
func longDate(t time.Time) string {
	return fmt.Sprintf("%s %s %d", t.Month(), ordinal(t.Day()), t.Year())
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b in a's location.
func daysBetween(a, b time.Time) int {
	from := startOfDay(a)
	to := startOfDay(b.In(a.Location()))
	return int(math.Round(to.Sub(from).Hours() / 24))
}
