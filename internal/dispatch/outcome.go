package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invitehq/courier/internal/domain"
)

// CompletionPolicy decides when the current delivery episode counts as
// complete. The partial-success behaviour is a deployment choice, so it is
// injected rather than hardcoded.
type CompletionPolicy interface {
	// Satisfied reports whether the requested channels and their recorded
	// outcomes amount to a completed episode.
	Satisfied(methods []domain.Channel, status domain.DeliveryStatus) bool
	Name() string
}

// AllChannelsPolicy completes a record only when every requested channel
// has a successful send recorded. Failed channels are retried while
// successful ones keep their entries.
type AllChannelsPolicy struct{}

// Satisfied implements CompletionPolicy.
func (AllChannelsPolicy) Satisfied(methods []domain.Channel, status domain.DeliveryStatus) bool {
	for _, ch := range methods {
		if !status.Sent(ch) {
			return false
		}
	}
	return len(methods) > 0
}

// Name implements CompletionPolicy.
func (AllChannelsPolicy) Name() string { return "all" }

// AnyChannelPolicy completes a record as soon as one requested channel
// succeeded.
type AnyChannelPolicy struct{}

// Satisfied implements CompletionPolicy.
func (AnyChannelPolicy) Satisfied(methods []domain.Channel, status domain.DeliveryStatus) bool {
	for _, ch := range methods {
		if status.Sent(ch) {
			return true
		}
	}
	return false
}

// Name implements CompletionPolicy.
func (AnyChannelPolicy) Name() string { return "any" }

// PolicyFromName resolves a configured policy name; unknown names fall back
// to the all-channels policy.
func PolicyFromName(name string) CompletionPolicy {
	if name == "any" {
		return AnyChannelPolicy{}
	}
	return AllChannelsPolicy{}
}

// OutcomeHandler applies per-channel delivery outcomes to claimed records.
// Callers must report each channel exactly once per claim.
type OutcomeHandler struct {
	store    Store
	schedule RetrySchedule
	policy   CompletionPolicy
	now      func() time.Time
}

// NewOutcomeHandler creates an outcome handler.
func NewOutcomeHandler(store Store, schedule RetrySchedule, policy CompletionPolicy) *OutcomeHandler {
	return &OutcomeHandler{
		store:    store,
		schedule: schedule,
		policy:   policy,
		now:      time.Now,
	}
}

// Policy returns the active completion policy.
func (h *OutcomeHandler) Policy() CompletionPolicy { return h.policy }

// ReportSuccess merges a successful channel outcome. When the completion
// policy is satisfied and the record is still processing, the episode is
// closed out: status sent, completed_at stamped, last_error cleared and the
// legacy email mirror updated. Re-applying the same success is a no-op
// merge.
func (h *OutcomeHandler) ReportSuccess(ctx context.Context, id string, ch domain.Channel, providerMessageID string) error {
	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !requested(rec.DeliveryMethods, ch) {
		return fmt.Errorf("%w: %s", ErrChannelNotRequested, ch)
	}

	now := h.now()
	outcome := domain.ChannelOutcome{
		Status:            domain.ChannelResultSent,
		Timestamp:         now,
		ProviderMessageID: providerMessageID,
	}
	if err := h.store.MergeChannelStatus(ctx, id, ch, outcome); err != nil {
		return fmt.Errorf("merge channel status: %w", err)
	}

	// Completion is decided from a fresh read taken after the merge, so
	// concurrent reporters for sibling channels cannot both miss each
	// other's outcome.
	rec, err = h.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	// A success reported after another channel already pushed the record
	// to retry_scheduled only merges; the transition happens on the retry.
	if rec.Status != domain.StatusProcessing {
		return nil
	}

	if !h.policy.Satisfied(rec.DeliveryMethods, rec.DeliveryStatus) {
		return nil
	}

	if err := h.store.CompleteRecord(ctx, id, now); err != nil {
		// A concurrent reporter can close the episode between the read
		// and this write; the record is done either way.
		if errors.Is(err, ErrNotProcessing) {
			return nil
		}
		return fmt.Errorf("complete record: %w", err)
	}

	slog.Info("dispatch completed",
		"record_id", id,
		"channel", ch,
		"policy", h.policy.Name(),
	)
	return nil
}

// ReportFailure merges a failed channel outcome and decides between retry
// and terminal failure. The backoff is indexed by the attempt count before
// the increment, so the first failure waits for the first schedule entry.
func (h *OutcomeHandler) ReportFailure(ctx context.Context, id string, ch domain.Channel, cause error) error {
	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !requested(rec.DeliveryMethods, ch) {
		return fmt.Errorf("%w: %s", ErrChannelNotRequested, ch)
	}

	now := h.now()
	msg := cause.Error()
	outcome := domain.ChannelOutcome{
		Status:    domain.ChannelResultFailed,
		Timestamp: now,
		Error:     msg,
	}
	if err := h.store.MergeChannelStatus(ctx, id, ch, outcome); err != nil {
		return fmt.Errorf("merge channel status: %w", err)
	}

	// Re-read after the merge so a concurrent reporter's transition is
	// visible before deciding what to do with the record.
	rec, err = h.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	// A second failed channel in the same pass already moved the record;
	// its outcome is recorded above, nothing else to do.
	if rec.Status != domain.StatusProcessing {
		return nil
	}

	shouldRetry := rec.Attempts+1 < rec.MaxAttempts && isRetryable(cause)
	if shouldRetry {
		delay := h.schedule.NextDelay(rec.Attempts)
		nextAttempt := now.Add(delay)
		if err := h.store.ScheduleRetry(ctx, id, nextAttempt, msg); err != nil {
			if errors.Is(err, ErrNotProcessing) {
				return nil
			}
			return fmt.Errorf("schedule retry: %w", err)
		}
		slog.Info("dispatch scheduled for retry",
			"record_id", id,
			"channel", ch,
			"attempt", rec.Attempts+1,
			"max_attempts", rec.MaxAttempts,
			"next_attempt_at", nextAttempt,
			"error", msg,
		)
		return nil
	}

	if err := h.store.FailRecord(ctx, id, msg); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			return nil
		}
		return fmt.Errorf("fail record: %w", err)
	}
	slog.Warn("dispatch failed terminally",
		"record_id", id,
		"channel", ch,
		"attempts", rec.Attempts+1,
		"retryable", isRetryable(cause),
		"error", msg,
	)
	return nil
}

// Finalize closes out a claimed record that has no outstanding channels to
// send, e.g. a retry pass where the completion policy is already satisfied.
func (h *OutcomeHandler) Finalize(ctx context.Context, id string) error {
	return h.store.CompleteRecord(ctx, id, h.now())
}

func requested(methods []domain.Channel, ch domain.Channel) bool {
	for _, m := range methods {
		if m == ch {
			return true
		}
	}
	return false
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
