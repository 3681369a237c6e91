package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/invitehq/courier/internal/domain"
	"github.com/invitehq/courier/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRecordNotFound, Status: http.StatusNotFound, Message: "dispatch record not found"},
	{Error: ErrNotClaimable, Status: http.StatusConflict, Message: "record already claimed or not eligible"},
	{Error: ErrNotCancellable, Status: http.StatusConflict, Message: "record cannot be cancelled from its current status"},
	{Error: ErrNotPausable, Status: http.StatusConflict, Message: "record cannot be paused from its current status"},
	{Error: ErrNotPaused, Status: http.StatusConflict, Message: "record is not paused"},
	{Error: ErrNotProcessing, Status: http.StatusConflict, Message: "record is not processing"},
	{Error: ErrUnknownChannel, Status: http.StatusBadRequest, Message: "unknown delivery channel"},
	{Error: ErrMissingRecipient, Status: http.StatusBadRequest, Message: "missing recipient for requested channel"},
	{Error: ErrChannelNotRequested, Status: http.StatusBadRequest, Message: "channel was not requested for this record"},
}

// Handler handles HTTP requests for the dispatch queue.
type Handler struct {
	service   *Service
	outcome   *OutcomeHandler
	validator *validator.Validate
}

// NewHandler creates a dispatch handler.
func NewHandler(service *Service, outcome *OutcomeHandler) *Handler {
	return &Handler{
		service:   service,
		outcome:   outcome,
		validator: validator.New(),
	}
}

// RegisterAdminRoutes registers the operator-facing routes.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/dispatches", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/{id}", h.GetRecord)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/force-retry", h.ForceRetry)
		r.Post("/{id}/pause", h.Pause)
		r.Post("/{id}/resume", h.Resume)
	})
	r.Get("/stats", h.Stats)
	r.Post("/maintenance/purge", h.Purge)
}

// RegisterWorkerRoutes registers the pull API for external workers.
func (h *Handler) RegisterWorkerRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/pick", h.PickBatch)
		r.Post("/{id}/claim", h.Claim)
		r.Post("/{id}/success", h.ReportSuccess)
		r.Post("/{id}/failure", h.ReportFailure)
	})
}

// EnqueueRequest represents request body for enqueueing a dispatch.
type EnqueueRequest struct {
	InvitationID    string            `json:"invitation_id" validate:"required,uuid"`
	Template        string            `json:"template" validate:"required"`
	Methods         []string          `json:"methods" validate:"required,min=1,dive,oneof=email sms push chat"`
	Recipients      map[string]string `json:"recipients" validate:"required"`
	TemplateData    map[string]any    `json:"template_data"`
	DelaySeconds    int64             `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts     int               `json:"max_attempts" validate:"gte=0,lte=20"`
	ExpiresAt       *time.Time        `json:"expires_at"`
	ReminderOffsets []int64           `json:"reminder_offsets_seconds" validate:"dive,gt=0"`
	TriggeredBy     string            `json:"triggered_by"`
}

// Enqueue handles POST /dispatches.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	methods := make([]domain.Channel, len(req.Methods))
	for i, m := range req.Methods {
		methods[i] = domain.Channel(m)
	}
	recipients := make(map[domain.Channel]string, len(req.Recipients))
	for ch, target := range req.Recipients {
		recipients[domain.Channel(ch)] = target
	}
	offsets := make([]time.Duration, len(req.ReminderOffsets))
	for i, sec := range req.ReminderOffsets {
		offsets[i] = time.Duration(sec) * time.Second
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = httputil.GetSubject(r.Context())
	}

	rec, err := h.service.Enqueue(r.Context(), EnqueueInput{
		InvitationID:     req.InvitationID,
		Template:         req.Template,
		Methods:          methods,
		Recipients:       recipients,
		TemplateData:     req.TemplateData,
		Delay:            time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts:      req.MaxAttempts,
		ExpiresAt:        req.ExpiresAt,
		ReminderSchedule: offsets,
		TriggeredBy:      triggeredBy,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, recordResponse(rec))
}

// GetRecord handles GET /dispatches/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, recordResponse(rec))
}

// CancelRequest represents request body for cancelling a dispatch.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Cancel handles POST /dispatches/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ForceRetry handles POST /dispatches/{id}/force-retry.
func (h *Handler) ForceRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ForceRetry(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /dispatches/{id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume handles POST /dispatches/{id}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), 10)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// PurgeRequest represents request body for purging terminal records.
type PurgeRequest struct {
	OlderThanHours int `json:"older_than_hours" validate:"required,gte=1"`
}

// Purge handles POST /maintenance/purge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	deleted, err := h.service.PurgeTerminal(r.Context(), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// PickBatchRequest represents request body for picking a batch.
type PickBatchRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

// PickBatch handles POST /queue/pick.
func (h *Handler) PickBatch(w http.ResponseWriter, r *http.Request) {
	var req PickBatchRequest
	// An empty body means the default limit.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	records, err := h.service.PickBatch(r.Context(), req.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]*RecordResponse, len(records))
	for i, rec := range records {
		out[i] = recordResponse(rec)
	}
	httputil.Success(w, http.StatusOK, out)
}

// Claim handles POST /queue/{id}/claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Claim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, recordResponse(rec))
}

// SuccessRequest represents request body for reporting a channel success.
type SuccessRequest struct {
	Channel           string `json:"channel" validate:"required,oneof=email sms push chat"`
	ProviderMessageID string `json:"provider_message_id"`
}

// ReportSuccess handles POST /queue/{id}/success.
func (h *Handler) ReportSuccess(w http.ResponseWriter, r *http.Request) {
	var req SuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	err := h.outcome.ReportSuccess(r.Context(), chi.URLParam(r, "id"), domain.Channel(req.Channel), req.ProviderMessageID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FailureRequest represents request body for reporting a channel failure.
type FailureRequest struct {
	Channel   string `json:"channel" validate:"required,oneof=email sms push chat"`
	Error     string `json:"error" validate:"required"`
	Retryable *bool  `json:"retryable"`
}

// ReportFailure handles POST /queue/{id}/failure.
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var req FailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	cause := &RetryableError{Err: errors.New(req.Error), Retryable: true}
	if req.Retryable != nil {
		cause.Retryable = *req.Retryable
	}

	err := h.outcome.ReportFailure(r.Context(), chi.URLParam(r, "id"), domain.Channel(req.Channel), cause)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RecordResponse is the JSON view of a dispatch record.
type RecordResponse struct {
	ID              string                           `json:"id"`
	InvitationID    string                           `json:"invitation_id"`
	Status          domain.Status                    `json:"status"`
	DeliveryMethods []domain.Channel                 `json:"delivery_methods"`
	DeliveryStatus  domain.DeliveryStatus            `json:"delivery_status"`
	Recipients      map[domain.Channel]string        `json:"recipients"`
	Attempts        int                              `json:"attempts"`
	MaxAttempts     int                              `json:"max_attempts"`
	NextAttemptAt   *time.Time                       `json:"next_attempt_at,omitempty"`
	SendAfter       time.Time                        `json:"send_after"`
	ExpiresAt       *time.Time                       `json:"expires_at,omitempty"`
	Template        string                           `json:"template"`
	TemplateData    map[string]any                   `json:"template_data,omitempty"`
	ReminderOffsets []int64                          `json:"reminder_offsets_seconds,omitempty"`
	ReminderCount   int                              `json:"reminder_count"`
	LastReminderAt  *time.Time                       `json:"last_reminder_at,omitempty"`
	ReminderEpisode bool                             `json:"reminder_episode"`
	LastError       string                           `json:"last_error,omitempty"`
	CancelReason    string                           `json:"cancel_reason,omitempty"`
	TriggeredBy     string                           `json:"triggered_by,omitempty"`
	TriggeredAt     *time.Time                       `json:"triggered_at,omitempty"`
	ClaimedAt       *time.Time                       `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time                       `json:"completed_at,omitempty"`
	CreatedAt       time.Time                        `json:"created_at"`
	UpdatedAt       time.Time                        `json:"updated_at"`
}

func recordResponse(rec *domain.DispatchRecord) *RecordResponse {
	offsets := make([]int64, len(rec.ReminderSchedule))
	for i, d := range rec.ReminderSchedule {
		offsets[i] = int64(d / time.Second)
	}

	return &RecordResponse{
		ID:              rec.ID,
		InvitationID:    rec.InvitationID,
		Status:          rec.Status,
		DeliveryMethods: rec.DeliveryMethods,
		DeliveryStatus:  rec.DeliveryStatus,
		Recipients:      rec.Recipients,
		Attempts:        rec.Attempts,
		MaxAttempts:     rec.MaxAttempts,
		NextAttemptAt:   rec.NextAttemptAt,
		SendAfter:       rec.SendAfter,
		ExpiresAt:       rec.ExpiresAt,
		Template:        rec.Template,
		TemplateData:    rec.TemplateData,
		ReminderOffsets: offsets,
		ReminderCount:   rec.ReminderCount,
		LastReminderAt:  rec.LastReminderAt,
		ReminderEpisode: rec.ReminderEpisode,
		LastError:       rec.LastError,
		CancelReason:    rec.CancelReason,
		TriggeredBy:     rec.TriggeredBy,
		TriggeredAt:     rec.TriggeredAt,
		ClaimedAt:       rec.ClaimedAt,
		CompletedAt:     rec.CompletedAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
