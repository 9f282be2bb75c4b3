package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const tenantHeader = "X-Tenant-ID"

// Job is a background loop that can be toggled over HTTP.
type Job interface {
	Name() string
	Start() bool
	Stop() bool
	IsRunning() bool
}

type Messages interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (model.Message, error)
	EnqueueBulk(ctx context.Context, req service.BulkRequest) (service.BulkResult, error)
	Cancel(ctx context.Context, tenantID, id int64) error
	Status(ctx context.Context, tenantID, id int64) (model.StatusView, error)
	ListSent(ctx context.Context, tenantID int64, limit, offset int) ([]model.Message, error)
	Analytics(ctx context.Context, tenantID int64, from, to *time.Time) (model.Analytics, error)
	Quota(ctx context.Context, tenantID int64) (model.QuotaState, error)
}

type Handler struct {
	messages Messages
	jobs     []Job
	logger   *slog.Logger
}

func NewHandler(messages Messages, jobs ...Job) *Handler {
	return &Handler{messages: messages, jobs: jobs, logger: slog.Default()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) schedulerState() map[string]any {
	jobs := make(map[string]bool, len(h.jobs))
	running := len(h.jobs) > 0
	for _, j := range h.jobs {
		jobs[j.Name()] = j.IsRunning()
		running = running && j.IsRunning()
	}
	return map[string]any{"running": running, "jobs": jobs}
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	for _, j := range h.jobs {
		j.Start()
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	for _, j := range h.jobs {
		j.Stop()
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

type enqueueRequest struct {
	ContactID int64      `json:"contactId"`
	Kind      model.Kind `json:"kind"`
	model.Payload
	ScheduledFor *time.Time `json:"scheduledFor"`
	CampaignID   *string    `json:"campaignId"`
}

func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ContactID <= 0 {
		writeError(w, http.StatusBadRequest, "contactId is required")
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindText
	}

	m, err := h.messages.Enqueue(r.Context(), service.EnqueueRequest{
		TenantID:     tenantID,
		ContactID:    req.ContactID,
		Kind:         req.Kind,
		Payload:      req.Payload,
		ScheduledFor: req.ScheduledFor,
		Source:       model.SourceAPI,
		CampaignID:   req.CampaignID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type bulkRequest struct {
	ContactIDs []int64    `json:"contactIds"`
	Kind       model.Kind `json:"kind"`
	model.Payload
	ScheduledFor *time.Time `json:"scheduledFor"`
	CampaignID   *string    `json:"campaignId"`
}

func (h *Handler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindText
	}

	res, err := h.messages.EnqueueBulk(r.Context(), service.BulkRequest{
		TenantID:     tenantID,
		ContactIDs:   req.ContactIDs,
		Kind:         req.Kind,
		Payload:      req.Payload,
		ScheduledFor: req.ScheduledFor,
		CampaignID:   req.CampaignID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusCreated
	if res.Rejected > 0 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.messages.Cancel(r.Context(), tenantID, id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": model.Cancelled})
}

func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	st, err := h.messages.Status(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.messages.ListSent(r.Context(), tenantID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	a, err := h.messages.Analytics(r.Context(), tenantID, from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	q, err := h.messages.Quota(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allotted":        q.Allotted,
		"used":            q.Used,
		"remaining":       q.Remaining(time.Now()),
		"periodExpiresAt": q.PeriodExpiresAt,
	})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrUnknownContact):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrNotCancellable), errors.Is(err, errs.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errs.ErrChannelNotConfigured), errors.Is(err, errs.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFrom(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(tenantHeader), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid "+tenantHeader+" header")
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
