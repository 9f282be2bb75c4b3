package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/LeventeLantos/message-dispatch/internal/channel"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

const (
	maxBodyBytes   = 1 << 20
	processTimeout = 30 * time.Second
)

type HandlerConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks on WhatsApp callbacks.
	AppSecret string
	// TwilioURL is the public URL Twilio posts to. When set, the
	// X-Twilio-Signature header is validated against it.
	TwilioURL string
}

// Handler receives provider callbacks. It acknowledges quickly and applies
// the events in the background; Wait blocks until those finish.
type Handler struct {
	reconciler *Reconciler
	tenants    repo.TenantRepository
	cfg        HandlerConfig
	logger     *slog.Logger

	wg sync.WaitGroup
}

func NewHandler(reconciler *Reconciler, tenants repo.TenantRepository, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reconciler: reconciler, tenants: tenants, cfg: cfg, logger: logger}
}

func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && h.cfg.VerifyToken != "" && q.Get("hub.verify_token") == h.cfg.VerifyToken {
		h.logger.Info("webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	h.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

type waEnvelope struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		Caption string `json:"caption"`
	} `json:"image"`
	Document *struct {
		Caption string `json:"caption"`
	} `json:"document"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Receive accepts WhatsApp Cloud callbacks. Malformed bodies are logged and
// still acknowledged so the provider does not redeliver them.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("read webhook body failed", "err", err)
		writeOK(w)
		return
	}

	if h.cfg.AppSecret != "" && !validHubSignature(h.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature mismatch")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var env waEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.logger.Warn("malformed webhook body", "err", err)
		writeOK(w)
		return
	}
	if env.Object != "whatsapp_business_account" {
		writeOK(w)
		return
	}

	statuses, inbound := collectWhatsApp(env)
	h.process(r.Context(), statuses, inbound)
	writeOK(w)
}

func collectWhatsApp(env waEnvelope) ([]StatusEvent, []InboundEvent) {
	var (
		statuses []StatusEvent
		inbound  []InboundEvent
	)
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			for _, s := range v.Statuses {
				st, err := channel.ParseStatus(s.Status)
				if err != nil {
					continue
				}
				ev := StatusEvent{ProviderMessageID: s.ID, State: st, At: unixTime(s.Timestamp)}
				if len(s.Errors) > 0 {
					ev.Reason = strconv.Itoa(s.Errors[0].Code) + " " + s.Errors[0].Title
				}
				statuses = append(statuses, ev)
			}
			for _, m := range v.Messages {
				ev := InboundEvent{
					Provider:          model.ProviderWhatsAppCloud,
					AccountID:         v.Metadata.PhoneNumberID,
					From:              m.From,
					ProviderMessageID: m.ID,
					Type:              m.Type,
					At:                unixTime(m.Timestamp),
				}
				switch {
				case m.Text != nil:
					ev.Text = m.Text.Body
				case m.Image != nil:
					ev.Text = m.Image.Caption
				case m.Document != nil:
					ev.Text = m.Document.Caption
				}
				inbound = append(inbound, ev)
			}
		}
	}
	return statuses, inbound
}

// ReceiveTwilio accepts Twilio status callbacks and incoming messages.
func (h *Handler) ReceiveTwilio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Warn("malformed twilio callback", "err", err)
		writeOK(w)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if h.cfg.TwilioURL != "" && !h.validTwilioSignature(r.Context(), params, r.Header.Get("X-Twilio-Signature")) {
		h.logger.Warn("twilio signature mismatch", "account_id", params["AccountSid"])
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	status := strings.ToLower(params["MessageStatus"])
	if status == "" {
		status = strings.ToLower(params["SmsStatus"])
	}

	var (
		statuses []StatusEvent
		inbound  []InboundEvent
	)
	switch status {
	case "received", "receiving":
		typ := "text"
		if n, _ := strconv.Atoi(params["NumMedia"]); n > 0 {
			typ = twilioMediaType(params["MediaContentType0"])
		}
		inbound = append(inbound, InboundEvent{
			Provider:          model.ProviderTwilio,
			AccountID:         params["AccountSid"],
			From:              params["From"],
			ProviderMessageID: params["MessageSid"],
			Type:              typ,
			Text:              params["Body"],
		})
	default:
		st, err := channel.ParseStatus(status)
		if err != nil {
			h.logger.Debug("twilio callback ignored", "status", status)
			writeOK(w)
			return
		}
		ev := StatusEvent{ProviderMessageID: params["MessageSid"], State: st}
		if code := params["ErrorCode"]; code != "" {
			ev.Reason = code
		}
		statuses = append(statuses, ev)
	}

	h.process(r.Context(), statuses, inbound)
	writeOK(w)
}

func twilioMediaType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case contentType == "":
		return "text"
	default:
		return "document"
	}
}

func (h *Handler) validTwilioSignature(ctx context.Context, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	cfg, err := h.tenants.FindByAccount(ctx, model.ProviderTwilio, params["AccountSid"])
	if err != nil || cfg.AccessToken == "" {
		return false
	}
	v := client.NewRequestValidator(cfg.AccessToken)
	return v.Validate(h.cfg.TwilioURL, params, signature)
}

func validHubSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) process(parent context.Context, statuses []StatusEvent, inbound []InboundEvent) {
	if len(statuses) == 0 && len(inbound) == 0 {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), processTimeout)
		defer cancel()

		for _, ev := range inbound {
			if err := h.reconciler.HandleInbound(ctx, ev); err != nil {
				h.logger.Error("handle inbound message failed", "provider_message_id", ev.ProviderMessageID, "err", err)
			}
		}
		for _, ev := range statuses {
			if err := h.reconciler.ApplyStatus(ctx, ev); err != nil {
				h.logger.Error("apply status failed", "provider_message_id", ev.ProviderMessageID, "err", err)
			}
		}
	}()
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
