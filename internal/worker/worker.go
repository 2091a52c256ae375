package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"parley.app/dialog/common/logger"
	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/queue"
)

type Config struct {
	MaxAttempts int
	Concurrency int
	// LockedRetryDelay re-schedules a trigger that found its conversation locked. Zero leaves
	// the retry to the sweeper.
	LockedRetryDelay time.Duration
}

// Worker consumes conversation triggers and runs the orchestrator for each.
type Worker struct {
	consumer     Consumer
	orchestrator Orchestrator
	scheduler    Scheduler
	cfg          Config
	Now          func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

func New(consumer Consumer, orchestrator Orchestrator, scheduler Scheduler, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		consumer:     consumer,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		cfg:          cfg,
		Now:          func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Run starts cfg.Concurrency read loops and blocks until Stop is called or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "dialog.worker"})
	slog.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := range w.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker loop stopping", "slot", slot)
			return
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err, "slot", slot)
				select {
				case <-time.After(time.Second):
				case <-w.stopCh:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"stream_id", msg.ID,
				"conversation_id", msg.ConversationID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}
	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"stream_id", msg.ID,
				"conversation_id", msg.ConversationID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs the orchestrator for one trigger and acks it. A returned error means the
// message was not acked and should be retried. Exported so the reclaimer can reuse it.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	streamID := msg.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		StreamID:       &streamID,
		ConversationID: &msg.ConversationID,
	})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_message")
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(
		attribute.Int64("dialog.conversation_id", msg.ConversationID),
		attribute.String("dialog.source", msg.Source),
		attribute.Int("dialog.attempt", msg.Attempt))

	if msg.TaskType != queue.TaskTypeConversationTouched {
		slog.WarnContext(ctx, "unexpected task type on trigger stream, dropping", "task_type", msg.TaskType)
		return w.ack(ctx, msg)
	}

	start := time.Now()
	res, err := w.orchestrator.Process(ctx, msg.ConversationID, msg.Source)
	if err != nil {
		sc.RecordError(err)
		if !brain.IsRetryable(err) {
			slog.ErrorContext(ctx, "pass failed permanently, dropping trigger", "error", err)
			return w.ack(ctx, msg)
		}
		return err
	}

	slog.InfoContext(ctx, "trigger processed",
		"outcome", res.Outcome,
		"duration_ms", time.Since(start).Milliseconds())

	if res.Outcome == brain.OutcomeSkippedLocked {
		w.retryLater(ctx, msg)
	}
	return w.ack(ctx, msg)
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) error {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// The reclaimer will redeliver; a second pass is harmless.
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
	return nil
}

// retryLater re-schedules a trigger whose conversation was busy, so messages that arrived
// after the running pass loaded its transcript are answered without waiting for a sweep.
func (w *Worker) retryLater(ctx context.Context, msg queue.Message) {
	if w.scheduler == nil || w.cfg.LockedRetryDelay <= 0 {
		return
	}
	task := msg.Task()
	task.Attempt = 1
	if err := w.scheduler.Schedule(ctx, task, w.Now().Add(w.cfg.LockedRetryDelay)); err != nil {
		slog.WarnContext(ctx, "failed to re-schedule locked trigger", "error", err)
	}
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"stream_id", msg.ID,
			"conversation_id", msg.ConversationID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"stream_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

// Reprocess is the reclaimer entry point. Failures follow the same requeue and DLQ path as
// fresh triggers.
func (w *Worker) Reprocess(ctx context.Context, msg queue.Message) error {
	if err := w.processMessageSafe(ctx, msg); err != nil {
		w.handleFailedMessage(ctx, msg, err)
		return err
	}
	return nil
}
