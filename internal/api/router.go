package api

import "net/http"

// Webhooks are the provider callback endpoints.
type Webhooks interface {
	Verify(w http.ResponseWriter, r *http.Request)
	Receive(w http.ResponseWriter, r *http.Request)
	ReceiveTwilio(w http.ResponseWriter, r *http.Request)
}

type RouterOption func(*http.ServeMux)

func WithWebhooks(wh Webhooks) RouterOption {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/webhook", wh.Verify)
		mux.HandleFunc("POST /v1/webhook", wh.Receive)
		mux.HandleFunc("POST /v1/webhook/twilio", wh.ReceiveTwilio)
	}
}

func WithMetrics(h http.Handler) RouterOption {
	return func(mux *http.ServeMux) {
		mux.Handle("GET /metrics", h)
	}
}

func Router(h *Handler, opts ...RouterOption) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/messages", h.EnqueueMessage)
	mux.HandleFunc("POST /v1/messages/bulk", h.EnqueueBulk)
	mux.HandleFunc("GET /v1/messages/sent", h.ListSentMessages)
	mux.HandleFunc("GET /v1/messages/{id}/status", h.MessageStatus)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", h.CancelMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.CancelMessage)

	mux.HandleFunc("GET /v1/messages/analytics", h.Analytics)
	mux.HandleFunc("GET /v1/quota", h.Quota)

	for _, opt := range opts {
		opt(mux)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("message-dispatch"))
	})

	return mux
}
