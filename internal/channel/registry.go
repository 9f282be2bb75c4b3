package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/metrics"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type Factory func(cfg model.ChannelConfig) (Adapter, error)

type RegistryConfig struct {
	CacheTTL      time.Duration
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Registry resolves the adapter for a tenant from its channel
// configuration. The configuration row is read on every resolve; built
// adapters are cached per tenant and config version, so a deactivation or
// credential change takes effect on the next send.
type Registry struct {
	tenants repo.TenantRepository
	factory Factory
	cfg     RegistryConfig

	adapters *gocache.Cache

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewRegistry(tenants repo.TenantRepository, factory Factory, cfg RegistryConfig) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Registry{
		tenants:  tenants,
		factory:  factory,
		cfg:      cfg,
		adapters: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		limiters: make(map[int64]*rate.Limiter),
	}
}

func cacheKey(cfg model.ChannelConfig) string {
	return fmt.Sprintf("tenant:%d:%d", cfg.TenantID, cfg.UpdatedAt.UnixNano())
}

// Resolve returns errs.ErrChannelNotConfigured when the tenant has no
// active channel.
func (r *Registry) Resolve(ctx context.Context, tenantID int64) (Adapter, error) {
	cfg, err := r.tenants.GetChannelConfig(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrChannelNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load channel config: %w", err)
	}
	if !cfg.Active {
		return nil, errs.ErrChannelNotConfigured
	}

	key := cacheKey(cfg)
	if v, ok := r.adapters.Get(key); ok {
		return v.(Adapter), nil
	}

	inner, err := r.factory(cfg)
	if err != nil {
		return nil, err
	}
	a := &guarded{
		Adapter: inner,
		limiter: r.limiter(tenantID),
		timeout: r.cfg.Timeout,
	}
	r.adapters.Set(key, Adapter(a), gocache.DefaultExpiration)
	return a, nil
}

func (r *Registry) limiter(tenantID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[tenantID]
	if !ok {
		limit := rate.Inf
		if r.cfg.RatePerSecond > 0 {
			limit = rate.Limit(r.cfg.RatePerSecond)
		}
		l = rate.NewLimiter(limit, r.cfg.Burst)
		r.limiters[tenantID] = l
	}
	return l
}

// guarded throttles and bounds every provider call.
type guarded struct {
	Adapter
	limiter *rate.Limiter
	timeout time.Duration
}

func (g *guarded) Send(ctx context.Context, recipient string, kind model.Kind, payload model.Payload) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", errs.Transient(g.Name(), "", "rate limit wait: "+err.Error(), err)
	}

	start := time.Now()
	id, err := g.Adapter.Send(ctx, recipient, kind, payload)
	metrics.ChannelSendDuration.WithLabelValues(g.Name()).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		var ce *errs.ChannelError
		if !errors.As(err, &ce) {
			return "", errs.Transient(g.Name(), "timeout", "provider call timed out", err)
		}
	}
	return id, err
}

func (g *guarded) FetchStatus(ctx context.Context, providerMessageID string) (model.State, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", errs.Transient(g.Name(), "", "rate limit wait: "+err.Error(), err)
	}
	return g.Adapter.FetchStatus(ctx, providerMessageID)
}
