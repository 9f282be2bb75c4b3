package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// Adapter transmits one message through a provider. It never retries;
// failures come back as *errs.ChannelError classified transient or
// permanent.
type Adapter interface {
	Name() string
	Send(ctx context.Context, recipient string, kind model.Kind, payload model.Payload) (providerMessageID string, err error)
	// FetchStatus polls the provider for a receipt. Providers that cannot be
	// polled return errs.ErrStatusUnsupported.
	FetchStatus(ctx context.Context, providerMessageID string) (model.State, error)
}

type Options struct {
	WhatsAppBaseURL string
	HTTPClient      *http.Client
}

// NewAdapter builds the adapter for a tenant's channel configuration.
func NewAdapter(cfg model.ChannelConfig, opts Options) (Adapter, error) {
	if !cfg.Active {
		return nil, errs.ErrChannelNotConfigured
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	switch cfg.Provider {
	case model.ProviderWhatsAppCloud:
		base := cfg.BaseURL
		if base == "" {
			base = opts.WhatsAppBaseURL
		}
		return NewWhatsAppCloud(base, cfg.AccountID, cfg.AccessToken, hc), nil
	case model.ProviderTwilio:
		return NewTwilio(cfg.AccountID, cfg.AccessToken, cfg.FromNumber), nil
	case model.ProviderRelay:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: relay url missing", errs.ErrChannelNotConfigured)
		}
		return NewRelay(cfg.BaseURL), nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", errs.ErrChannelNotConfigured, cfg.Provider)
}

func classifyHTTP(provider string, status int, code, msg string) *errs.ChannelError {
	if code == "" {
		code = fmt.Sprintf("%d", status)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return errs.Transient(provider, code, msg, nil)
	}
	return errs.Permanent(provider, code, msg, nil)
}
