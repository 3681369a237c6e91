package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/invitehq/courier/internal/domain"
)

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	NumWorkers   int
	// SendTimeout bounds each channel send; a timeout is reported as a
	// retryable failure so a slow provider cannot park a record in
	// processing.
	SendTimeout time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		NumWorkers:   5,
		SendTimeout:  30 * time.Second,
	}
}

// Worker polls the selector, claims eligible records and runs channel
// sends. Any number of workers may run concurrently; the conditional claim
// guarantees at most one processes a given record.
type Worker struct {
	config     WorkerConfig
	store      Store
	outcome    *OutcomeHandler
	dispatcher *Dispatcher
	renderer   *Renderer

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new dispatch worker pool.
func NewWorker(config WorkerConfig, store Store, outcome *OutcomeHandler, dispatcher *Dispatcher, renderer *Renderer) *Worker {
	return &Worker{
		config:     config,
		store:      store,
		outcome:    outcome,
		dispatcher: dispatcher,
		renderer:   renderer,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting dispatch workers",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"send_timeout", w.config.SendTimeout,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("dispatch workers stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx, workerID)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, workerID int) {
	now := w.now()
	items, err := w.store.PickBatch(ctx, now, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to pick eligible records", "worker", workerID, "error", err)
		return
	}

	if len(items) == 0 {
		return
	}

	slog.Debug("processing dispatch batch", "worker", workerID, "count", len(items))
	recordsPicked.Add(float64(len(items)))

	for _, item := range items {
		rec, err := w.store.Claim(ctx, item.ID, w.now())
		if err != nil {
			// Another worker won, or eligibility changed between the
			// selection read and the claim write. Drop it for this pass.
			if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrRecordNotFound) {
				claimsLost.Inc()
				continue
			}
			slog.Error("claim failed", "worker", workerID, "record_id", item.ID, "error", err)
			continue
		}

		w.processRecord(ctx, rec)
	}
}

func (w *Worker) processRecord(ctx context.Context, rec *domain.DispatchRecord) {
	channels := w.outstandingChannels(rec)

	// A retry pass can find nothing left to send, e.g. the completion
	// policy was satisfied by a late success report.
	if len(channels) == 0 {
		if err := w.outcome.Finalize(ctx, rec.ID); err != nil {
			slog.Error("failed to finalize record", "record_id", rec.ID, "error", err)
		}
		return
	}

	for _, ch := range channels {
		w.sendChannel(ctx, rec, ch)
	}
}

// outstandingChannels returns the channels still owed a send in this
// episode. Reminder episodes resend every requested channel; retry episodes
// skip channels that already succeeded.
func (w *Worker) outstandingChannels(rec *domain.DispatchRecord) []domain.Channel {
	channels := make([]domain.Channel, 0, len(rec.DeliveryMethods))
	for _, ch := range rec.DeliveryMethods {
		if rec.ReminderEpisode || !rec.DeliveryStatus.Sent(ch) {
			channels = append(channels, ch)
		}
	}
	return channels
}

func (w *Worker) sendChannel(ctx context.Context, rec *domain.DispatchRecord, ch domain.Channel) {
	start := w.now()

	subject, body, err := w.renderer.Render(ch, rec.Template, rec.TemplateData)
	if err != nil {
		w.reportFailure(ctx, rec.ID, ch, err)
		return
	}

	recipient := rec.Recipients[ch]
	if recipient == "" {
		w.reportFailure(ctx, rec.ID, ch, NewNonRetryableError(fmt.Errorf("%w: %s", ErrMissingRecipient, ch)))
		return
	}

	sender, ok := w.dispatcher.Sender(ch)
	if !ok {
		w.reportFailure(ctx, rec.ID, ch, NewNonRetryableError(fmt.Errorf("%w: %s", ErrNoSender, ch)))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	ref, err := sender.Send(sendCtx, Message{To: recipient, Subject: subject, Body: body})
	cancel()

	duration := w.now().Sub(start)
	recordSendDuration(string(ch), duration)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = NewRetryableError(fmt.Errorf("send timed out after %s: %w", w.config.SendTimeout, err))
		}
		w.reportFailure(ctx, rec.ID, ch, err)
		return
	}

	if err := w.outcome.ReportSuccess(ctx, rec.ID, ch, ref); err != nil {
		slog.Error("failed to report success", "record_id", rec.ID, "channel", ch, "error", err)
		return
	}

	recordOutcome(string(ch), "sent")
	slog.Debug("channel message sent",
		"record_id", rec.ID,
		"channel", ch,
		"duration", duration,
	)
}

func (w *Worker) reportFailure(ctx context.Context, id string, ch domain.Channel, cause error) {
	recordOutcome(string(ch), "failed")
	if err := w.outcome.ReportFailure(ctx, id, ch, cause); err != nil {
		slog.Error("failed to report failure", "record_id", id, "channel", ch, "error", err)
	}
}
