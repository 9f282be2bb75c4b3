package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

type twilioMessages interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
	FetchMessage(sid string, params *api.FetchMessageParams) (*api.ApiV2010Message, error)
}

// Twilio sends through the Twilio Messaging API. A "whatsapp:" from number
// routes through WhatsApp, anything else goes out as SMS.
type Twilio struct {
	api        twilioMessages
	fromNumber string
}

func NewTwilio(accountSid, authToken, fromNumber string) *Twilio {
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return &Twilio{api: c.Api, fromNumber: fromNumber}
}

func (t *Twilio) Name() string { return string(model.ProviderTwilio) }

func (t *Twilio) address(e164 string) string {
	if strings.HasPrefix(t.fromNumber, "whatsapp:") {
		return "whatsapp:" + e164
	}
	return e164
}

func (t *Twilio) Send(ctx context.Context, recipient string, kind model.Kind, payload model.Payload) (string, error) {
	params := &api.CreateMessageParams{}
	params.SetTo(t.address(recipient))
	params.SetFrom(t.fromNumber)

	switch kind {
	case model.KindText:
		if payload.Text == "" {
			return "", errs.ErrInvalidPayload
		}
		params.SetBody(payload.Text)
	case model.KindMedia:
		if payload.MediaURL == "" {
			return "", errs.ErrInvalidPayload
		}
		params.SetMediaUrl([]string{payload.MediaURL})
		if payload.Caption != "" {
			params.SetBody(payload.Caption)
		}
	case model.KindTemplate:
		if payload.TemplateName == "" {
			return "", errs.ErrInvalidPayload
		}
		params.SetContentSid(payload.TemplateName)
		if len(payload.Variables) > 0 {
			vars := make(map[string]string, len(payload.Variables))
			for i, v := range payload.Variables {
				vars[strconv.Itoa(i+1)] = v
			}
			b, err := json.Marshal(vars)
			if err != nil {
				return "", err
			}
			params.SetContentVariables(string(b))
		}
	default:
		return "", fmt.Errorf("%w: kind %q", errs.ErrInvalidPayload, kind)
	}

	msg, err := callWithContext(ctx, func() (*api.ApiV2010Message, error) {
		return t.api.CreateMessage(params)
	})
	if err != nil {
		return "", t.classify(err)
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return "", errs.Permanent(t.Name(), "", "missing message sid", nil)
	}
	return *msg.Sid, nil
}

func (t *Twilio) FetchStatus(ctx context.Context, providerMessageID string) (model.State, error) {
	msg, err := callWithContext(ctx, func() (*api.ApiV2010Message, error) {
		return t.api.FetchMessage(providerMessageID, &api.FetchMessageParams{})
	})
	if err != nil {
		return "", t.classify(err)
	}
	if msg == nil || msg.Status == nil {
		return "", errs.ErrStatusUnsupported
	}
	return ParseStatus(*msg.Status)
}

func (t *Twilio) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(t.Name(), "", err.Error(), err)
	}
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		code := strconv.Itoa(rest.Code)
		if rest.Status == http.StatusTooManyRequests || rest.Status >= 500 {
			return errs.Transient(t.Name(), code, rest.Message, err)
		}
		return errs.Permanent(t.Name(), code, rest.Message, err)
	}
	return errs.Transient(t.Name(), "", err.Error(), err)
}

// callWithContext bounds a blocking SDK call by ctx. The SDK has no context
// support, so an abandoned call finishes in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
