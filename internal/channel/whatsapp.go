package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/phone"
)

const DefaultWhatsAppBase = "https://graph.facebook.com/v21.0"

// WhatsAppCloud talks to the WhatsApp Business Cloud API for one phone
// number id.
type WhatsAppCloud struct {
	base          string
	phoneNumberID string
	token         string
	client        *http.Client
}

func NewWhatsAppCloud(base, phoneNumberID, token string, client *http.Client) *WhatsAppCloud {
	if base == "" {
		base = DefaultWhatsAppBase
	}
	return &WhatsAppCloud{
		base:          strings.TrimRight(base, "/"),
		phoneNumberID: phoneNumberID,
		token:         token,
		client:        client,
	}
}

func (w *WhatsAppCloud) Name() string { return string(model.ProviderWhatsAppCloud) }

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type waErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (w *WhatsAppCloud) Send(ctx context.Context, recipient string, kind model.Kind, payload model.Payload) (string, error) {
	body, err := buildWhatsAppPayload(phone.Digits(recipient), kind, payload)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.base, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	respBody, err := w.do(req)
	if err != nil {
		return "", err
	}

	var sr waSendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", errs.Permanent(w.Name(), "", fmt.Sprintf("decode response: %v body=%q", err, respBody), err)
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", errs.Permanent(w.Name(), "", fmt.Sprintf("missing message id body=%q", respBody), nil)
	}
	return sr.Messages[0].ID, nil
}

func (w *WhatsAppCloud) FetchStatus(ctx context.Context, providerMessageID string) (model.State, error) {
	url := fmt.Sprintf("%s/%s?fields=status", w.base, providerMessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)

	respBody, err := w.do(req)
	if err != nil {
		return "", err
	}

	var sr struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &sr); err != nil || sr.Status == "" {
		return "", errs.ErrStatusUnsupported
	}
	return ParseStatus(sr.Status)
}

func (w *WhatsAppCloud) do(req *http.Request) ([]byte, error) {
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errs.Transient(w.Name(), "", err.Error(), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return body, nil
	}

	var er waErrorResponse
	msg := string(body)
	code := ""
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
		code = strconv.Itoa(er.Error.Code)
	}
	return nil, classifyHTTP(w.Name(), resp.StatusCode, code, msg)
}

func buildWhatsAppPayload(to string, kind model.Kind, p model.Payload) (map[string]any, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	switch kind {
	case model.KindText:
		if p.Text == "" {
			return nil, errs.ErrInvalidPayload
		}
		body["type"] = "text"
		body["text"] = map[string]any{"preview_url": false, "body": p.Text}
	case model.KindMedia:
		if p.MediaURL == "" {
			return nil, errs.ErrInvalidPayload
		}
		mediaType := p.MediaType
		if mediaType == "" {
			mediaType = "image"
		}
		media := map[string]string{"link": p.MediaURL}
		if p.Caption != "" && mediaType != "audio" {
			media["caption"] = p.Caption
		}
		if p.FileName != "" && mediaType == "document" {
			media["filename"] = p.FileName
		}
		body["type"] = mediaType
		body[mediaType] = media
	case model.KindTemplate:
		if p.TemplateName == "" {
			return nil, errs.ErrInvalidPayload
		}
		lang := p.TemplateLanguage
		if lang == "" {
			lang = "en_US"
		}
		tpl := map[string]any{
			"name":     p.TemplateName,
			"language": map[string]string{"code": lang},
		}
		if len(p.Variables) > 0 {
			params := make([]map[string]string, 0, len(p.Variables))
			for _, v := range p.Variables {
				params = append(params, map[string]string{"type": "text", "text": v})
			}
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		body["type"] = "template"
		body["template"] = tpl
	default:
		return nil, fmt.Errorf("%w: kind %q", errs.ErrInvalidPayload, kind)
	}
	return body, nil
}

// ParseStatus turns a provider receipt status into a lifecycle state.
// Statuses that mean "accepted but not yet handed over" map to sent.
func ParseStatus(s string) (model.State, error) {
	switch strings.ToLower(s) {
	case "accepted", "queued", "sending", "scheduled", "sent":
		return model.Sent, nil
	case "delivered":
		return model.Delivered, nil
	case "read":
		return model.Read, nil
	case "failed", "undelivered", "canceled":
		return model.Failed, nil
	}
	return "", fmt.Errorf("unknown provider status %q", s)
}
