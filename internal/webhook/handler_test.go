package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

const waStatusBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "1098"},
        "statuses": [
          {"id": "wamid.1", "status": "delivered", "timestamp": "1741597260", "recipient_id": "447911123456"},
          {"id": "wamid.unknown", "status": "read", "timestamp": "1741597300", "recipient_id": "447911123456"}
        ]
      }
    }]
  }]
}`

const waInboundBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "1098"},
        "messages": [
          {"from": "447911123456", "id": "wamid.in9", "timestamp": "1741597200", "type": "image", "image": {"caption": "my x-ray"}}
        ]
      }
    }]
  }]
}`

func newTestHandler(t *testing.T, store *repo.MemoryStore, replies Enqueuer, cfg HandlerConfig) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewReconciler(store, nil, store, store, replies, ReconcilerConfig{AutoReply: true, Region: "GB"}, logger)
	return NewHandler(rec, store, cfg, logger)
}

func TestVerify(t *testing.T) {
	h := newTestHandler(t, newStore(t), nil, HandlerConfig{VerifyToken: "secret"})

	testCases := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "match", query: "hub.mode=subscribe&hub.verify_token=secret&hub.challenge=42", wantCode: http.StatusOK, wantBody: "42"},
		{name: "wrong token", query: "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", wantCode: http.StatusForbidden},
		{name: "wrong mode", query: "hub.mode=unsubscribe&hub.verify_token=secret&hub.challenge=42", wantCode: http.StatusForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.Verify(rr, httptest.NewRequest(http.MethodGet, "/v1/webhook?"+tc.query, nil))

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, rr.Body.String())
			}
		})
	}
}

func TestReceive_Statuses(t *testing.T) {
	store := newStore(t)
	m := sentMessage(t, store, "wamid.1")
	h := newTestHandler(t, store, nil, HandlerConfig{})

	rr := httptest.NewRecorder()
	h.Receive(rr, httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(waStatusBody)))
	h.Wait()

	assert.Equal(t, http.StatusOK, rr.Code)
	got, err := store.Get(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Delivered, got.State)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, int64(1741597260), got.DeliveredAt.Unix())
	assert.Len(t, store.All(), 1)
}

func TestReceive_Inbound(t *testing.T) {
	store := newStore(t)
	replies := &fakeEnqueuer{}
	h := newTestHandler(t, store, replies, HandlerConfig{})

	rr := httptest.NewRecorder()
	h.Receive(rr, httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(waInboundBody)))
	h.Wait()

	assert.Equal(t, http.StatusOK, rr.Code)
	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, "my x-ray", all[0].Payload.Text)
	require.Len(t, replies.requests(), 1)
	assert.Equal(t, replyImage, replies.requests()[0].Payload.Text)
}

func TestReceive_MalformedIsAcknowledged(t *testing.T) {
	store := newStore(t)
	h := newTestHandler(t, store, nil, HandlerConfig{})

	for _, body := range []string{`{not json`, `{"object":"page","entry":[]}`, ``} {
		rr := httptest.NewRecorder()
		h.Receive(rr, httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rr.Code, body)
	}
	h.Wait()
	assert.Empty(t, store.All())
}

func TestReceive_HubSignature(t *testing.T) {
	store := newStore(t)
	m := sentMessage(t, store, "wamid.1")
	h := newTestHandler(t, store, nil, HandlerConfig{AppSecret: "app-secret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(waStatusBody))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	h.Receive(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(waStatusBody))
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(waStatusBody))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	h.Receive(rr, req)
	h.Wait()

	assert.Equal(t, http.StatusOK, rr.Code)
	got, _ := store.Get(t.Context(), m.ID)
	assert.Equal(t, model.Delivered, got.State)
}

func twilioRequest(form url.Values, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	return req
}

func twilioSignature(token, target string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(target)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestReceiveTwilio_StatusAndInbound(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	pid := "SM100"
	m := model.Message{
		TenantID: 2, ContactID: 20, Recipient: "+14155552671",
		Kind: model.KindText, Payload: model.Payload{Text: "x"}, State: model.Pending, Source: model.SourceAPI,
	}
	require.NoError(t, store.Create(ctx, &m))
	_, err := store.Transition(ctx, m.ID, model.Pending, model.Sent, model.TransitionFields{ProviderMessageID: &pid, SentAt: &sentAt})
	require.NoError(t, err)

	replies := &fakeEnqueuer{}
	h := newTestHandler(t, store, replies, HandlerConfig{})

	rr := httptest.NewRecorder()
	h.ReceiveTwilio(rr, twilioRequest(url.Values{
		"MessageSid":    {"SM100"},
		"MessageStatus": {"read"},
		"AccountSid":    {"AC123"},
	}, ""))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ReceiveTwilio(rr, twilioRequest(url.Values{
		"MessageSid": {"SM200"},
		"SmsStatus":  {"received"},
		"AccountSid": {"AC123"},
		"From":       {"whatsapp:+14155552671"},
		"Body":       {"I want to cancel"},
		"NumMedia":   {"0"},
	}, ""))
	assert.Equal(t, http.StatusOK, rr.Code)
	h.Wait()

	got, _ := store.Get(ctx, m.ID)
	assert.Equal(t, model.Read, got.State)
	assert.NotNil(t, got.DeliveredAt)

	incoming, err := store.FindByProviderMessageID(ctx, "SM200")
	require.NoError(t, err)
	assert.Equal(t, model.Received, incoming.State)
	require.Len(t, replies.requests(), 1)
	assert.Equal(t, replyCancel, replies.requests()[0].Payload.Text)
}

func TestReceiveTwilio_Signature(t *testing.T) {
	const target = "https://hooks.example.com/v1/webhook/twilio"
	store := newStore(t)
	h := newTestHandler(t, store, &fakeEnqueuer{}, HandlerConfig{TwilioURL: target})

	form := url.Values{
		"MessageSid": {"SM300"},
		"SmsStatus":  {"received"},
		"AccountSid": {"AC123"},
		"From":       {"+14155552671"},
		"Body":       {"hello"},
	}

	rr := httptest.NewRecorder()
	h.ReceiveTwilio(rr, twilioRequest(form, "bogus"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	h.ReceiveTwilio(rr, twilioRequest(form, twilioSignature("twilio-token", target, form)))
	h.Wait()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, store.All(), 1)
}
