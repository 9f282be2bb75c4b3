package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

func TestWhatsAppCloud_SendText(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer srv.Close()

	wa := NewWhatsAppCloud(srv.URL, "1098", "tok", srv.Client())
	id, err := wa.Send(context.Background(), "+447911123456", model.KindText, model.Payload{Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "wamid.ABC", id)
	assert.Equal(t, "/1098/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "447911123456", gotBody["to"])
	assert.Equal(t, "text", gotBody["type"])
	assert.Equal(t, "hello", gotBody["text"].(map[string]any)["body"])
}

func TestBuildWhatsAppPayload(t *testing.T) {
	t.Run("template with variables", func(t *testing.T) {
		body, err := buildWhatsAppPayload("1", model.KindTemplate, model.Payload{
			TemplateName:     "visit_reminder",
			TemplateLanguage: "en",
			Variables:        []string{"Ann", "10:00"},
		})
		require.NoError(t, err)

		tpl := body["template"].(map[string]any)
		assert.Equal(t, "visit_reminder", tpl["name"])
		assert.Equal(t, map[string]string{"code": "en"}, tpl["language"])
		comps := tpl["components"].([]map[string]any)
		require.Len(t, comps, 1)
		params := comps[0]["parameters"].([]map[string]string)
		assert.Equal(t, "10:00", params[1]["text"])
	})

	t.Run("document keeps filename", func(t *testing.T) {
		body, err := buildWhatsAppPayload("1", model.KindMedia, model.Payload{
			MediaURL: "https://x/y.pdf", MediaType: "document", Caption: "invoice", FileName: "y.pdf",
		})
		require.NoError(t, err)
		assert.Equal(t, "document", body["type"])
		assert.Equal(t, map[string]string{"link": "https://x/y.pdf", "caption": "invoice", "filename": "y.pdf"}, body["document"])
	})

	t.Run("empty text rejected", func(t *testing.T) {
		_, err := buildWhatsAppPayload("1", model.KindText, model.Payload{})
		assert.ErrorIs(t, err, errs.ErrInvalidPayload)
	})
}

func TestWhatsAppCloud_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
	}{
		{name: "rate limited", status: 429, body: `{"error":{"message":"too many","code":130429}}`, transient: true, code: "130429"},
		{name: "server error", status: 502, body: `bad gateway`, transient: true, code: "502"},
		{name: "invalid recipient", status: 400, body: `{"error":{"message":"recipient not on whatsapp","code":131026}}`, transient: false, code: "131026"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			wa := NewWhatsAppCloud(srv.URL, "1", "tok", srv.Client())
			_, err := wa.Send(context.Background(), "+447911123456", model.KindText, model.Payload{Text: "x"})

			var ce *errs.ChannelError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.transient, ce.Transient)
			assert.Equal(t, tc.code, ce.Code)
		})
	}
}

func TestWhatsAppCloud_FetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wamid.1", r.URL.Path)
		assert.Equal(t, "status", r.URL.Query().Get("fields"))
		_, _ = w.Write([]byte(`{"status":"delivered"}`))
	}))
	defer srv.Close()

	wa := NewWhatsAppCloud(srv.URL, "1", "tok", srv.Client())
	st, err := wa.FetchStatus(context.Background(), "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, model.Delivered, st)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]model.State{
		"queued":      model.Sent,
		"sent":        model.Sent,
		"delivered":   model.Delivered,
		"READ":        model.Read,
		"undelivered": model.Failed,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("weird")
	assert.Error(t, err)
}
