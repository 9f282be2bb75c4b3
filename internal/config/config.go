package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	StatusPoll StatusPollConfig
	Dispatch   DispatchConfig
	Quota      QuotaConfig
	Channel    ChannelConfig
	Webhook    WebhookConfig
	Reminder   ReminderConfig

	DefaultRegion string
	LogLevel      slog.Level
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Fanout     int
	ClaimLease time.Duration
}

type StatusPollConfig struct {
	Interval time.Duration
	After    time.Duration
}

type DispatchConfig struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ContentMax     int
}

const (
	QuotaBackendPostgres = "postgres"
	QuotaBackendRedis    = "redis"
)

type QuotaConfig struct {
	Backend   string
	MaxWait   time.Duration
	RenewCron string
	Period    time.Duration
}

type ChannelConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	CacheTTL      time.Duration
	WhatsAppBase  string
}

type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
	TwilioURL   string
	AutoReply   bool
}

type ReminderConfig struct {
	AppointmentCron      string
	AppointmentLookahead time.Duration
	BillingCron          string
	BillLookahead        time.Duration
	Location             *time.Location
}

// LoadAll reads the configuration from the environment. Every problem is
// collected so a misconfigured deployment reports all of them at once.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: l.required("POSTGRES_URL"),
		},
		Scheduler: SchedulerConfig{
			Interval:   l.seconds("SCHED_INTERVAL_SECONDS", 60),
			BatchSize:  l.integer("SCHED_BATCH_SIZE", 50),
			Fanout:     l.integer("SCHED_FANOUT", 4),
			ClaimLease: l.seconds("SCHED_CLAIM_LEASE_SECONDS", 300),
		},
		StatusPoll: StatusPollConfig{
			Interval: l.seconds("STATUS_POLL_INTERVAL_SECONDS", 300),
			After:    time.Duration(l.integer("STATUS_POLL_AFTER_MINUTES", 15)) * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxRetries:     l.integer("DISPATCH_MAX_RETRIES", 3),
			BackoffInitial: l.seconds("DISPATCH_BACKOFF_INITIAL_SECONDS", 60),
			BackoffMax:     l.seconds("DISPATCH_BACKOFF_MAX_SECONDS", 3600),
			ContentMax:     l.integer("CONTENT_MAX", 4096),
		},
		Quota: QuotaConfig{
			Backend:   strings.ToLower(getEnv("QUOTA_BACKEND", QuotaBackendPostgres)),
			MaxWait:   time.Duration(l.integer("QUOTA_MAX_WAIT_HOURS", 72)) * time.Hour,
			RenewCron: getEnv("QUOTA_RENEW_CRON", "0 0 * * *"),
			Period:    time.Duration(l.integer("QUOTA_PERIOD_DAYS", 30)) * 24 * time.Hour,
		},
		Channel: ChannelConfig{
			Timeout:       l.seconds("CHANNEL_TIMEOUT_SECONDS", 10),
			RatePerSecond: l.float("CHANNEL_RATE_PER_SECOND", 20),
			CacheTTL:      l.seconds("CHANNEL_CACHE_TTL_SECONDS", 60),
			WhatsAppBase:  os.Getenv("WHATSAPP_API_BASE"),
		},
		Webhook: WebhookConfig{
			VerifyToken: l.required("WEBHOOK_VERIFY_TOKEN"),
			AppSecret:   os.Getenv("WHATSAPP_APP_SECRET"),
			TwilioURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
			AutoReply:   l.boolean("AUTO_REPLY_ENABLED", true),
		},
		Reminder: ReminderConfig{
			AppointmentCron:      getEnv("REMINDER_APPOINTMENT_CRON", "0 9 * * *"),
			AppointmentLookahead: time.Duration(l.integer("REMINDER_APPOINTMENT_LOOKAHEAD_HOURS", 24)) * time.Hour,
			BillingCron:          getEnv("REMINDER_BILLING_CRON", "0 10 * * *"),
			BillLookahead:        time.Duration(l.integer("REMINDER_BILL_LOOKAHEAD_DAYS", 3)) * 24 * time.Hour,
			Location:             l.location("REMINDER_TIMEZONE", "UTC"),
		},
		DefaultRegion: strings.ToUpper(getEnv("DEFAULT_REGION", "US")),
		LogLevel:      l.level("LOG_LEVEL", slog.LevelInfo),
		Redis:         l.redis(),
	}

	l.errs = append(l.errs, validate(cfg)...)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

type loader struct {
	errs []error
}

func (l *loader) required(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) integer(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) seconds(key string, def int) time.Duration {
	return time.Duration(l.integer(key, def)) * time.Second
}

func (l *loader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid number for env %s: %s", key, v))
		return def
	}
	return f
}

func (l *loader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid bool for env %s: %s", key, v))
		return def
	}
	return b
}

func (l *loader) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid log level for env %s: %s", key, v))
		return def
	}
	return lvl
}

func (l *loader) location(key, def string) *time.Location {
	name := getEnv(key, def)
	loc, err := time.LoadLocation(name)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid time zone for env %s: %s", key, name))
		return time.UTC
	}
	return loc
}

func (l *loader) redis() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.integer("REDIS_DB", 0),
		TTL:      l.seconds("REDIS_TTL_SECONDS", 86400),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("SCHED_BATCH_SIZE", int64(cfg.Scheduler.BatchSize))
	positive("SCHED_INTERVAL_SECONDS", int64(cfg.Scheduler.Interval))
	positive("SCHED_FANOUT", int64(cfg.Scheduler.Fanout))
	positive("SCHED_CLAIM_LEASE_SECONDS", int64(cfg.Scheduler.ClaimLease))
	positive("STATUS_POLL_INTERVAL_SECONDS", int64(cfg.StatusPoll.Interval))
	positive("DISPATCH_MAX_RETRIES", int64(cfg.Dispatch.MaxRetries))
	positive("DISPATCH_BACKOFF_INITIAL_SECONDS", int64(cfg.Dispatch.BackoffInitial))
	positive("CONTENT_MAX", int64(cfg.Dispatch.ContentMax))
	positive("QUOTA_PERIOD_DAYS", int64(cfg.Quota.Period))
	positive("CHANNEL_TIMEOUT_SECONDS", int64(cfg.Channel.Timeout))

	if cfg.Dispatch.BackoffMax < cfg.Dispatch.BackoffInitial {
		errs = append(errs, errors.New("DISPATCH_BACKOFF_MAX_SECONDS must be >= DISPATCH_BACKOFF_INITIAL_SECONDS"))
	}

	switch cfg.Quota.Backend {
	case QuotaBackendPostgres:
	case QuotaBackendRedis:
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("QUOTA_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUOTA_BACKEND must be %q or %q", QuotaBackendPostgres, QuotaBackendRedis))
	}

	for key, spec := range map[string]string{
		"QUOTA_RENEW_CRON":          cfg.Quota.RenewCron,
		"REMINDER_APPOINTMENT_CRON": cfg.Reminder.AppointmentCron,
		"REMINDER_BILLING_CRON":     cfg.Reminder.BillingCron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid cron spec for %s: %w", key, err))
		}
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
