// Package postgres provides the PostgreSQL implementation of the dispatch store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invitehq/courier/internal/dispatch"
	"github.com/invitehq/courier/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements dispatch.Store using PostgreSQL. The status column
// is the coordination point: claims and episode transitions are conditional
// updates that only apply when the row is still in the expected status.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, invitation_id, status,
	delivery_methods, delivery_status, recipients,
	attempts, max_attempts, next_attempt_at, send_after, expires_at,
	template, template_data,
	reminder_schedule, reminder_count, last_reminder_at, reminder_episode,
	last_error, cancel_reason,
	triggered_by, triggered_at, claimed_at, completed_at,
	email_sent, email_sent_at,
	created_at, updated_at
`

// eligibleCondition matches rows a worker may claim right now. Kept in one
// place so selection and claiming can never disagree on eligibility.
const eligibleCondition = `
	status IN ('pending', 'retry_scheduled', 'reminder_due')
	AND send_after <= $1
	AND (expires_at IS NULL OR expires_at > $1)
	AND attempts < max_attempts
	AND (status <> 'retry_scheduled' OR next_attempt_at IS NULL OR next_attempt_at <= $1)
`

// Enqueue inserts a dispatch record. If a record for the same invitation
// already exists it is reset to a fresh pending record instead.
func (r *Repository) Enqueue(ctx context.Context, rec *domain.DispatchRecord) error {
	methods := make([]string, len(rec.DeliveryMethods))
	for i, ch := range rec.DeliveryMethods {
		methods[i] = string(ch)
	}
	schedule := make([]int64, len(rec.ReminderSchedule))
	for i, d := range rec.ReminderSchedule {
		schedule[i] = int64(d / time.Second)
	}

	recipients, err := json.Marshal(rec.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	templateData, err := json.Marshal(rec.TemplateData)
	if err != nil {
		return fmt.Errorf("marshal template data: %w", err)
	}

	query := `
		INSERT INTO dispatch_records (
			id, invitation_id, status,
			delivery_methods, delivery_status, recipients,
			attempts, max_attempts, send_after, expires_at,
			template, template_data,
			reminder_schedule,
			triggered_by
		)
		VALUES ($1, $2, 'pending', $3, '{}'::jsonb, $4, 0, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (invitation_id) DO UPDATE SET
			status = 'pending',
			delivery_methods = EXCLUDED.delivery_methods,
			delivery_status = '{}'::jsonb,
			recipients = EXCLUDED.recipients,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			next_attempt_at = NULL,
			send_after = EXCLUDED.send_after,
			expires_at = EXCLUDED.expires_at,
			template = EXCLUDED.template,
			template_data = EXCLUDED.template_data,
			reminder_schedule = EXCLUDED.reminder_schedule,
			reminder_count = 0,
			last_reminder_at = NULL,
			reminder_episode = FALSE,
			last_error = '',
			cancel_reason = '',
			triggered_by = EXCLUDED.triggered_by,
			triggered_at = NULL,
			claimed_at = NULL,
			completed_at = NULL,
			email_sent = FALSE,
			email_sent_at = NULL,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		rec.ID,
		rec.InvitationID,
		methods,
		recipients,
		rec.MaxAttempts,
		rec.SendAfter,
		rec.ExpiresAt,
		rec.Template,
		templateData,
		schedule,
		rec.TriggeredBy,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue dispatch record: %w", err)
	}

	rec.Status = domain.StatusPending
	return nil
}

// GetRecord retrieves a dispatch record by ID.
func (r *Repository) GetRecord(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dispatch_records WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get dispatch record: %w", err)
	}
	return rec, nil
}

// PickBatch returns up to limit eligible records in priority order. The
// read takes no locks; callers race for the rows through Claim.
func (r *Repository) PickBatch(ctx context.Context, now time.Time, limit int) ([]*domain.DispatchRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM dispatch_records
		WHERE ` + eligibleCondition + `
		ORDER BY
			CASE status
				WHEN 'retry_scheduled' THEN 0
				WHEN 'reminder_due' THEN 1
				ELSE 2
			END,
			created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pick batch: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.DispatchRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Claim attempts to move an eligible record to processing. The conditional
// update is the entire locking protocol: exactly one concurrent caller gets
// a row back, everyone else gets ErrNotClaimable.
func (r *Repository) Claim(ctx context.Context, id string, now time.Time) (*domain.DispatchRecord, error) {
	query := `
		UPDATE dispatch_records
		SET status = 'processing',
			claimed_at = $1,
			triggered_at = COALESCE(triggered_at, $1),
			updated_at = NOW()
		WHERE id = $2 AND ` + eligibleCondition + `
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.db.QueryRow(ctx, query, now, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.notClaimable(ctx, id)
		}
		return nil, fmt.Errorf("claim dispatch record: %w", err)
	}
	return rec, nil
}

// notClaimable distinguishes a lost claim from a missing record.
func (r *Repository) notClaimable(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dispatch_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check dispatch record: %w", err)
	}
	if !exists {
		return dispatch.ErrRecordNotFound
	}
	return dispatch.ErrNotClaimable
}

// MergeChannelStatus merges one channel outcome into the delivery status
// map. The jsonb concatenation only touches the given channel key, so
// outcomes reported for other channels are never lost.
func (r *Repository) MergeChannelStatus(ctx context.Context, id string, ch domain.Channel, outcome domain.ChannelOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal channel outcome: %w", err)
	}

	query := `
		UPDATE dispatch_records
		SET delivery_status = delivery_status || jsonb_build_object($2::text, $3::jsonb),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, string(ch), payload)
	if err != nil {
		return fmt.Errorf("merge channel status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return dispatch.ErrRecordNotFound
	}
	return nil
}

// CompleteRecord finishes the current episode. Reminder episodes advance
// the reminder counter; the legacy email mirror is refreshed from the
// delivery status map either way.
func (r *Repository) CompleteRecord(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE dispatch_records
		SET status = 'sent',
			completed_at = $2,
			last_error = '',
			next_attempt_at = NULL,
			claimed_at = NULL,
			reminder_count = reminder_count + CASE WHEN reminder_episode THEN 1 ELSE 0 END,
			reminder_episode = FALSE,
			email_sent = COALESCE(delivery_status -> 'email' ->> 'status' = 'sent', FALSE),
			email_sent_at = CASE
				WHEN COALESCE(delivery_status -> 'email' ->> 'status' = 'sent', FALSE) THEN $2
				ELSE email_sent_at
			END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("complete dispatch record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.notProcessing(ctx, id)
	}
	return nil
}

// ScheduleRetry parks a processing record until its next attempt.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE dispatch_records
		SET status = 'retry_scheduled',
			attempts = attempts + 1,
			next_attempt_at = $2,
			last_error = $3,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.notProcessing(ctx, id)
	}
	return nil
}

// FailRecord terminally fails a processing record.
func (r *Repository) FailRecord(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE dispatch_records
		SET status = 'failed',
			attempts = attempts + 1,
			last_error = $2,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("fail dispatch record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.notProcessing(ctx, id)
	}
	return nil
}

func (r *Repository) notProcessing(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dispatch_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check dispatch record: %w", err)
	}
	if !exists {
		return dispatch.ErrRecordNotFound
	}
	return dispatch.ErrNotProcessing
}

// Cancel moves a non-terminal record to cancelled.
func (r *Repository) Cancel(ctx context.Context, id, reason string) error {
	query := `
		UPDATE dispatch_records
		SET status = 'cancelled',
			cancel_reason = $2,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1
			AND status IN ('pending', 'processing', 'retry_scheduled', 'reminder_due', 'paused')
	`
	result, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("cancel dispatch record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id, dispatch.ErrNotCancellable)
	}
	return nil
}

// ForceRetry resets a record for immediate redelivery. This is the admin
// override and deliberately ignores the usual transition rules.
func (r *Repository) ForceRetry(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE dispatch_records
		SET status = 'pending',
			attempts = 0,
			next_attempt_at = NULL,
			send_after = $2,
			expires_at = NULL,
			last_error = '',
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("force retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return dispatch.ErrRecordNotFound
	}
	return nil
}

// Pause parks a waiting record so workers stop picking it up.
func (r *Repository) Pause(ctx context.Context, id string) error {
	query := `
		UPDATE dispatch_records
		SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retry_scheduled', 'reminder_due')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("pause dispatch record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id, dispatch.ErrNotPausable)
	}
	return nil
}

// Resume returns a paused record to the pending pool.
func (r *Repository) Resume(ctx context.Context, id string) error {
	query := `
		UPDATE dispatch_records
		SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'paused'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("resume dispatch record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id, dispatch.ErrNotPaused)
	}
	return nil
}

func (r *Repository) conflictOrNotFound(ctx context.Context, id string, conflict error) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dispatch_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check dispatch record: %w", err)
	}
	if !exists {
		return dispatch.ErrRecordNotFound
	}
	return conflict
}

// ArmDueReminders reopens sent records whose next reminder offset has
// elapsed. Attempts carry over untouched: a sent record always has budget
// left, since the claim that produced it required attempts < max_attempts
// and a successful send does not increment.
func (r *Repository) ArmDueReminders(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE dispatch_records
		SET status = 'reminder_due',
			reminder_episode = TRUE,
			last_reminder_at = $1,
			next_attempt_at = NULL,
			updated_at = NOW()
		WHERE status = 'sent'
			AND completed_at IS NOT NULL
			AND reminder_count < COALESCE(array_length(reminder_schedule, 1), 0)
			AND completed_at + (reminder_schedule[reminder_count + 1] * interval '1 second') <= $1
			AND (expires_at IS NULL OR expires_at > $1)
	`
	result, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("arm due reminders: %w", err)
	}
	return result.RowsAffected(), nil
}

// ReclaimStuck rescues records whose worker died mid-processing. Records
// with attempt budget left go back to retry_scheduled and become due
// immediately; the rest fail.
func (r *Repository) ReclaimStuck(ctx context.Context, now time.Time, lease time.Duration) (int64, error) {
	cutoff := now.Add(-lease)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	failQuery := `
		UPDATE dispatch_records
		SET status = 'failed',
			attempts = attempts + 1,
			last_error = 'processing lease expired',
			claimed_at = NULL,
			updated_at = NOW()
		WHERE status = 'processing'
			AND claimed_at IS NOT NULL
			AND claimed_at <= $1
			AND attempts + 1 >= max_attempts
	`
	failed, err := tx.Exec(ctx, failQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stuck records: %w", err)
	}

	retryQuery := `
		UPDATE dispatch_records
		SET status = 'retry_scheduled',
			attempts = attempts + 1,
			next_attempt_at = $2,
			last_error = 'processing lease expired',
			claimed_at = NULL,
			updated_at = NOW()
		WHERE status = 'processing'
			AND claimed_at IS NOT NULL
			AND claimed_at <= $1
	`
	retried, err := tx.Exec(ctx, retryQuery, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reschedule stuck records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return failed.RowsAffected() + retried.RowsAffected(), nil
}

// DeleteOldTerminal removes terminal records last touched before the cutoff.
func (r *Repository) DeleteOldTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM dispatch_records
		WHERE status IN ('sent', 'failed', 'cancelled')
			AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old terminal records: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats aggregates the queue view served by the admin surface.
func (r *Repository) Stats(ctx context.Context, recentFailures int) (*dispatch.QueueStats, error) {
	stats := &dispatch.QueueStats{
		CountByStatus:  make(map[domain.Status]int64),
		ChannelUsage:   make(map[domain.Channel]int64),
		RecentFailures: make([]dispatch.FailureSample, 0, recentFailures),
	}

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM dispatch_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	err = r.db.QueryRow(ctx, `SELECT COALESCE(AVG(attempts), 0) FROM dispatch_records`).Scan(&stats.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("average attempts: %w", err)
	}

	usageRows, err := r.db.Query(ctx, `
		SELECT ch, COUNT(*)
		FROM dispatch_records, unnest(delivery_methods) AS ch
		GROUP BY ch
	`)
	if err != nil {
		return nil, fmt.Errorf("channel usage: %w", err)
	}
	defer usageRows.Close()
	for usageRows.Next() {
		var ch string
		var count int64
		if err := usageRows.Scan(&ch, &count); err != nil {
			return nil, fmt.Errorf("scan channel usage: %w", err)
		}
		stats.ChannelUsage[domain.Channel(ch)] = count
	}
	if err := usageRows.Err(); err != nil {
		return nil, fmt.Errorf("channel usage: %w", err)
	}

	failureRows, err := r.db.Query(ctx, `
		SELECT id, invitation_id, attempts, last_error, updated_at
		FROM dispatch_records
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, recentFailures)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer failureRows.Close()
	for failureRows.Next() {
		var sample dispatch.FailureSample
		err := failureRows.Scan(&sample.ID, &sample.InvitationID, &sample.Attempts, &sample.LastError, &sample.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan failure sample: %w", err)
		}
		stats.RecentFailures = append(stats.RecentFailures, sample)
	}
	if err := failureRows.Err(); err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}

	return stats, nil
}

// scanRecord materializes one dispatch record from a row holding
// recordColumns in order.
func scanRecord(row pgx.Row) (*domain.DispatchRecord, error) {
	var rec domain.DispatchRecord
	var status string
	var methods []string
	var deliveryStatus, recipients, templateData []byte
	var schedule []int64

	err := row.Scan(
		&rec.ID,
		&rec.InvitationID,
		&status,
		&methods,
		&deliveryStatus,
		&recipients,
		&rec.Attempts,
		&rec.MaxAttempts,
		&rec.NextAttemptAt,
		&rec.SendAfter,
		&rec.ExpiresAt,
		&rec.Template,
		&templateData,
		&schedule,
		&rec.ReminderCount,
		&rec.LastReminderAt,
		&rec.ReminderEpisode,
		&rec.LastError,
		&rec.CancelReason,
		&rec.TriggeredBy,
		&rec.TriggeredAt,
		&rec.ClaimedAt,
		&rec.CompletedAt,
		&rec.EmailSent,
		&rec.EmailSentAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.Status(status)
	rec.DeliveryMethods = make([]domain.Channel, len(methods))
	for i, m := range methods {
		rec.DeliveryMethods[i] = domain.Channel(m)
	}
	rec.ReminderSchedule = make([]time.Duration, len(schedule))
	for i, sec := range schedule {
		rec.ReminderSchedule[i] = time.Duration(sec) * time.Second
	}

	if len(deliveryStatus) > 0 {
		if err := json.Unmarshal(deliveryStatus, &rec.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("unmarshal delivery status: %w", err)
		}
	}
	if rec.DeliveryStatus == nil {
		rec.DeliveryStatus = make(domain.DeliveryStatus)
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &rec.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	if len(templateData) > 0 {
		if err := json.Unmarshal(templateData, &rec.TemplateData); err != nil {
			return nil, fmt.Errorf("unmarshal template data: %w", err)
		}
	}

	return &rec, nil
}
