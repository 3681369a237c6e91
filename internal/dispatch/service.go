package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/invitehq/courier/internal/domain"
)

const defaultMaxAttempts = 3

// Service provides the admin control surface and the worker pull API over
// the store. All operations are built on the same primitives as the
// automatic path.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a dispatch service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// EnqueueInput describes a new or reset dispatch record.
type EnqueueInput struct {
	InvitationID     string
	Template         string
	Methods          []domain.Channel
	Recipients       map[domain.Channel]string
	TemplateData     map[string]any
	Delay            time.Duration
	MaxAttempts      int
	ExpiresAt        *time.Time
	ReminderSchedule []time.Duration
	TriggeredBy      string
}

// Enqueue creates a pending record for the invitation, or resets the
// existing one: attempts back to zero, delivery status and last error
// cleared, eligible again once send_after passes.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*domain.DispatchRecord, error) {
	if input.InvitationID == "" {
		return nil, errors.New("invitation id is required")
	}
	if input.Template == "" {
		return nil, errors.New("template is required")
	}
	if len(input.Methods) == 0 {
		return nil, errors.New("at least one delivery method is required")
	}
	for _, ch := range input.Methods {
		if !domain.KnownChannel(ch) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
		if input.Recipients[ch] == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingRecipient, ch)
		}
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := s.now()
	rec := &domain.DispatchRecord{
		ID:               uuid.NewString(),
		InvitationID:     input.InvitationID,
		Status:           domain.StatusPending,
		DeliveryMethods:  input.Methods,
		DeliveryStatus:   domain.DeliveryStatus{},
		Recipients:       input.Recipients,
		MaxAttempts:      maxAttempts,
		SendAfter:        now.Add(input.Delay),
		ExpiresAt:        input.ExpiresAt,
		Template:         input.Template,
		TemplateData:     input.TemplateData,
		ReminderSchedule: input.ReminderSchedule,
		TriggeredBy:      input.TriggeredBy,
	}

	if err := s.store.Enqueue(ctx, rec); err != nil {
		return nil, fmt.Errorf("enqueue record: %w", err)
	}

	slog.Info("dispatch enqueued",
		"record_id", rec.ID,
		"invitation_id", rec.InvitationID,
		"methods", rec.DeliveryMethods,
		"send_after", rec.SendAfter,
		"triggered_by", rec.TriggeredBy,
	)
	return rec, nil
}

// GetRecord returns one record by id.
func (s *Service) GetRecord(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	return s.store.GetRecord(ctx, id)
}

// Cancel terminates a record from a non-terminal status, recording the
// reason. In-flight sends are not interrupted; cancellation is cooperative.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		return errors.New("cancel reason is required")
	}
	if err := s.store.Cancel(ctx, id, reason); err != nil {
		return err
	}
	slog.Info("dispatch cancelled", "record_id", id, "reason", reason)
	return nil
}

// ForceRetry resets a record for another full delivery run, whatever its
// prior state. Used after an operator fixed the external condition.
func (s *Service) ForceRetry(ctx context.Context, id string) error {
	if err := s.store.ForceRetry(ctx, id, s.now()); err != nil {
		return err
	}
	slog.Info("dispatch force-retried", "record_id", id)
	return nil
}

// Pause takes an eligible record out of selection without losing state.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.store.Pause(ctx, id); err != nil {
		return err
	}
	slog.Info("dispatch paused", "record_id", id)
	return nil
}

// Resume returns a paused record to pending.
func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.store.Resume(ctx, id); err != nil {
		return err
	}
	slog.Info("dispatch resumed", "record_id", id)
	return nil
}

// Stats returns aggregate queue statistics. Read-only.
func (s *Service) Stats(ctx context.Context, recentFailures int) (*QueueStats, error) {
	if recentFailures <= 0 {
		recentFailures = 10
	}
	return s.store.Stats(ctx, recentFailures)
}

// PickBatch exposes the eligibility selector to external pull workers.
func (s *Service) PickBatch(ctx context.Context, limit int) ([]*domain.DispatchRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.PickBatch(ctx, s.now(), limit)
}

// Claim exposes the claim coordinator to external pull workers.
func (s *Service) Claim(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	return s.store.Claim(ctx, id, s.now())
}

// PurgeTerminal deletes terminal records last touched before the cutoff.
func (s *Service) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	deleted, err := s.store.DeleteOldTerminal(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		slog.Info("terminal records purged", "count", deleted, "older_than", olderThan)
	}
	return deleted, nil
}
