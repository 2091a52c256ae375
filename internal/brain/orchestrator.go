package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"parley.app/dialog/common/id"
	"parley.app/dialog/common/llm"
	"parley.app/dialog/common/logger"
	"parley.app/dialog/internal/channel"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/store"
	"parley.app/dialog/internal/timing"
)

type Outcome string

const (
	OutcomeSkippedLocked         Outcome = "skipped_locked"
	OutcomeSkippedInactive       Outcome = "skipped_inactive"
	OutcomeWaitingGroupingWindow Outcome = "waiting_grouping_window"
	OutcomeResponded             Outcome = "responded"
	OutcomeCompleted             Outcome = "completed"
	OutcomeNudged                Outcome = "nudged"
	OutcomeReactivated           Outcome = "reactivated"
	OutcomeCompletedOnTimeout    Outcome = "completed_on_timeout"
	OutcomeNoActionNeeded        Outcome = "no_action_needed"
)

type Result struct {
	ConversationID    int64          `json:"conversation_id"`
	Outcome           Outcome        `json:"outcome"`
	RunID             string         `json:"run_id,omitempty"`
	MessagesProcessed int            `json:"messages_processed,omitempty"`
	NextResponseAt    *time.Time     `json:"next_response_at,omitempty"`
	Degraded          llm.ErrorClass `json:"degraded,omitempty"`
}

// Scorer receives conversations that reached a terminal condition.
type Scorer interface {
	GenerateMetrics(ctx context.Context, conversationID int64) error
}

// Scheduler wakes a conversation up at a later time.
type Scheduler interface {
	Schedule(ctx context.Context, task queue.Task, at time.Time) error
}

type Config struct {
	LockTTL time.Duration
	// LockMargin is subtracted from LockTTL to bound each pass, so work stops before the lease
	// can be stolen.
	LockMargin time.Duration
	// CompletionConfidence is the minimum confidence for every objective to end the
	// conversation early.
	CompletionConfidence int
}

type Deps struct {
	Stores    store.Provider
	Locks     *lock.Manager
	Timing    *timing.Engine
	Writer    *Writer
	Tracker   *Tracker
	Sender    channel.Sender
	Scorer    Scorer
	Scheduler Scheduler
}

type Orchestrator struct {
	cfg       Config
	convs     store.ConversationStore
	messages  store.MessageStore
	locks     *lock.Manager
	timing    *timing.Engine
	writer    *Writer
	tracker   *Tracker
	sender    channel.Sender
	scorer    Scorer
	scheduler Scheduler

	Now func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.LockMargin <= 0 || cfg.LockMargin >= cfg.LockTTL {
		cfg.LockMargin = 5 * time.Second
	}
	if cfg.CompletionConfidence <= 0 {
		cfg.CompletionConfidence = 80
	}

	return &Orchestrator{
		cfg:       cfg,
		convs:     deps.Stores.Conversations(),
		messages:  deps.Stores.Messages(),
		locks:     deps.Locks,
		timing:    deps.Timing,
		writer:    deps.Writer,
		tracker:   deps.Tracker,
		sender:    deps.Sender,
		scorer:    deps.Scorer,
		scheduler: deps.Scheduler,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one pass for a conversation under its lock. Contention and inactive
// conversations are reported through the outcome, not as errors.
func (o *Orchestrator) Process(ctx context.Context, conversationID int64, source string) (res Result, err error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &conversationID,
		Source:         &source,
		Component:      "dialog.brain.orchestrator",
	})

	sc := logger.StartSpan(ctx, "brain.orchestrator.process")
	defer sc.End()
	ctx = sc.Context()

	res = Result{ConversationID: conversationID}

	lease, err := o.locks.TryAcquire(ctx, conversationID, o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			slog.DebugContext(ctx, "conversation locked by another run, skipping")
			res.Outcome = OutcomeSkippedLocked
			return res, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return res, NewFatalError(fmt.Errorf("conversation not found (conversation_id=%d): %w", conversationID, err))
		}
		return res, NewRetryableError(err)
	}

	res.RunID = lease.RunID
	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: &lease.RunID})

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in orchestrator pass", "panic", r)
			err = NewRetryableError(fmt.Errorf("panic: %v", r))
		}
		// Release must outlive the pass deadline.
		releaseCtx := context.WithoutCancel(ctx)
		if _, relErr := o.locks.Release(releaseCtx, conversationID, lease.RunID); relErr != nil {
			slog.ErrorContext(releaseCtx, "failed to release conversation lock", "error", relErr)
		}
		sc.SetAttributes(attribute.String("dialog.outcome", string(res.Outcome)))
		if err != nil {
			sc.RecordError(err)
		}
	}()

	passCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTTL-o.cfg.LockMargin)
	defer cancel()

	pass, err := o.run(passCtx, conversationID, lease, source)
	pass.ConversationID = conversationID
	pass.RunID = lease.RunID
	res = pass
	if err != nil {
		return res, err
	}

	slog.InfoContext(ctx, "orchestrator pass finished",
		"outcome", res.Outcome,
		"messages_processed", res.MessagesProcessed)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, conversationID int64, lease model.Lock, source string) (Result, error) {
	conv, err := o.convs.GetByID(ctx, conversationID)
	if err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("loading conversation: %w", err))
	}
	if !conv.IsChatting() {
		slog.InfoContext(ctx, "conversation not chatting, skipping", "status", conv.Status)
		return Result{Outcome: OutcomeSkippedInactive}, nil
	}

	msgs, err := o.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("listing messages: %w", err))
	}

	now := o.Now()

	if pending := UnprocessedInbound(msgs); len(pending) > 0 {
		return o.respond(ctx, conv, msgs, pending, lease, source, now)
	}

	awaitingReply := len(msgs) > 0 && msgs[len(msgs)-1].Direction == model.DirectionOutbound
	if awaitingReply {
		res, acted, err := o.followUp(ctx, conv, msgs, now)
		if err != nil || acted {
			return res, err
		}
	}

	if o.timing.ShouldTimeout(conv, len(msgs), now) {
		if err := o.finalize(ctx, conv.ID, nil, now); err != nil {
			return Result{}, err
		}
		slog.InfoContext(ctx, "conversation timed out",
			"depth_tier", conv.DepthTier,
			"message_count", len(msgs))
		return Result{Outcome: OutcomeCompletedOnTimeout}, nil
	}

	// Nothing was due yet, so the wake-up that brought this pass is spent.
	o.scheduleFollowUp(ctx, conv, awaitingReply, now)
	return Result{Outcome: OutcomeNoActionNeeded}, nil
}

// respond handles the unprocessed inbound batch: open or honour the grouping window, then
// answer with the next planned step or finish when the plan is exhausted.
func (o *Orchestrator) respond(ctx context.Context, conv *model.Conversation, msgs, pending []model.Message, lease model.Lock, source string, now time.Time) (Result, error) {
	grouped := GroupText(pending)
	ids := messageIDs(pending)
	since := oldestCreatedAt(pending)

	window := conv.State.ResponseWindow(since)
	if window == nil {
		return o.openGroupingWindow(ctx, conv, grouped, ids, since, source, now)
	}
	if now.Before(*window) {
		slog.DebugContext(ctx, "grouping window still open", "next_response_at", *window)
		o.wakeAt(ctx, conv.ID, queue.SourceScheduled, *window)
		return Result{Outcome: OutcomeWaitingGroupingWindow, NextResponseAt: window}, nil
	}

	if err := o.messages.Claim(ctx, ids, lease.RunID, now); err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("claiming batch: %w", err))
	}

	step, index, ok := NextStep(conv, msgs)
	if !ok {
		if err := o.finalize(ctx, conv.ID, ids, now); err != nil {
			return Result{}, err
		}
		slog.InfoContext(ctx, "planned steps exhausted, conversation completed", "steps", index)
		return Result{Outcome: OutcomeCompleted, MessagesProcessed: len(ids)}, nil
	}

	transcript := BuildTranscript(conv.PersonaName, processedOnly(msgs))
	text, degraded := o.writer.Adapt(ctx, conv, transcript, grouped, step)

	outbound, err := o.deliver(ctx, conv, text, model.MessageMeta{Order: &index})
	if err != nil {
		return Result{}, err
	}

	if err := o.messages.MarkBatchProcessed(ctx, ids); err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("marking batch processed: %w", err))
	}

	sentAt := outbound.CreatedAt
	updated, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		c.State.FollowUpsSent = 0
		c.State.ClearSchedule()
		c.Touch(sentAt)
		return nil
	})
	if err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("recording reply: %w", err))
	}

	res := Result{Outcome: OutcomeResponded, MessagesProcessed: len(ids), Degraded: degraded}

	finished, err := o.trackProgress(ctx, updated, append(msgs, *outbound), now)
	if err != nil {
		return Result{}, err
	}
	if finished {
		res.Outcome = OutcomeCompleted
		return res, nil
	}

	o.scheduleFollowUp(ctx, updated, true, now)
	return res, nil
}

// openGroupingWindow starts the delay for the pending batch. A window left over from an earlier
// batch, such as the one a force unlock opens, is replaced.
func (o *Orchestrator) openGroupingWindow(ctx context.Context, conv *model.Conversation, grouped string, ids []int64, since time.Time, source string, now time.Time) (Result, error) {
	due := now.Add(o.timing.RealisticDelay(utf8.RuneCountInString(grouped), conv.DepthTier))

	updated, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		if c.State.ResponseWindow(since) == nil {
			c.State.NextResponseAt = &due
			c.State.NextResponseSource = source
		}
		return nil
	})
	if err != nil {
		return Result{}, NewRetryableError(fmt.Errorf("opening grouping window: %w", err))
	}
	due = *updated.State.NextResponseAt

	if err := o.messages.SetNextResponseAt(ctx, ids, due); err != nil {
		slog.WarnContext(ctx, "failed to stamp next_response_at on messages", "error", err)
	}
	o.wakeAt(ctx, conv.ID, queue.SourceScheduled, due)

	slog.InfoContext(ctx, "grouping window opened",
		"next_response_at", due,
		"batch_size", len(ids))
	return Result{Outcome: OutcomeWaitingGroupingWindow, NextResponseAt: &due}, nil
}

// followUp sends at most one nudge or reactivation. acted is false when nothing was due.
func (o *Orchestrator) followUp(ctx context.Context, conv *model.Conversation, msgs []model.Message, now time.Time) (Result, bool, error) {
	elapsed := now.Sub(conv.LastActivity())
	sent := conv.State.FollowUpsSent
	ladder := o.timing.NudgeSchedule(conv.DepthTier)
	limit := min(nudgeLimit(conv), len(ladder))

	if sent < limit {
		if elapsed < ladder[sent].After {
			return Result{}, false, nil
		}
		return o.nudge(ctx, conv, msgs, ladder[sent].Tone)
	}

	schedule := o.timing.ReactivationSchedule(conv.DepthTier)
	rung, ok := dueReactivation(schedule, conv, now)
	if !ok {
		return Result{}, false, nil
	}
	return o.reactivate(ctx, conv, schedule, rung)
}

func (o *Orchestrator) nudge(ctx context.Context, conv *model.Conversation, msgs []model.Message, tone model.NudgeType) (Result, bool, error) {
	transcript := BuildTranscript(conv.PersonaName, msgs)
	text, degraded := o.writer.Nudge(ctx, conv, transcript, tone)

	outbound, err := o.deliver(ctx, conv, text, model.MessageMeta{IsNudge: true, NudgeType: tone})
	if err != nil {
		return Result{}, true, err
	}

	sentAt := outbound.CreatedAt
	updated, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		c.State.FollowUpsSent++
		c.Touch(sentAt)
		return nil
	})
	if err != nil {
		return Result{}, true, NewRetryableError(fmt.Errorf("recording nudge: %w", err))
	}

	slog.InfoContext(ctx, "nudge sent", "tone", tone, "follow_ups_sent", updated.State.FollowUpsSent)
	o.scheduleFollowUp(ctx, updated, true, sentAt)
	return Result{Outcome: OutcomeNudged, Degraded: degraded}, true, nil
}

func (o *Orchestrator) reactivate(ctx context.Context, conv *model.Conversation, schedule []timing.Reactivation, rung int) (Result, bool, error) {
	text := o.timing.Pick(schedule[rung].Pool)
	if text == "" {
		text = fallbackNudge
	}

	outbound, err := o.deliver(ctx, conv, text, model.MessageMeta{IsNudge: true, NudgeType: model.NudgeTypeReactivation})
	if err != nil {
		return Result{}, true, err
	}

	sentAt := outbound.CreatedAt
	updated, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		c.State.ReactivationsSent = rung + 1
		c.Touch(sentAt)
		return nil
	})
	if err != nil {
		return Result{}, true, NewRetryableError(fmt.Errorf("recording reactivation: %w", err))
	}

	slog.InfoContext(ctx, "reactivation sent", "rung", rung, "reactivations_sent", updated.State.ReactivationsSent)
	o.scheduleFollowUp(ctx, updated, true, sentAt)
	return Result{Outcome: OutcomeReactivated}, true, nil
}

// deliver sends text and appends it to the log. A send failure is retryable and leaves the
// inbound batch untouched.
func (o *Orchestrator) deliver(ctx context.Context, conv *model.Conversation, text string, meta model.MessageMeta) (*model.Message, error) {
	if err := o.sender.Send(ctx, conv.ChannelAddress, text); err != nil {
		slog.ErrorContext(ctx, "channel send failed, batch left unprocessed", "error", err)
		return nil, NewRetryableError(fmt.Errorf("sending message: %w", err))
	}

	msg, err := o.messages.Create(ctx, &model.Message{
		ID:             id.New(),
		ConversationID: conv.ID,
		Direction:      model.DirectionOutbound,
		Content:        text,
		Meta:           meta,
		CreatedAt:      o.Now(),
	})
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("recording outbound message: %w", err))
	}
	return msg, nil
}

// trackProgress stores a fresh evaluation and finishes the conversation when every objective
// is achieved with enough confidence.
func (o *Orchestrator) trackProgress(ctx context.Context, conv *model.Conversation, msgs []model.Message, now time.Time) (bool, error) {
	if o.tracker == nil || conv.Objectives == "" {
		return false, nil
	}

	progress := o.tracker.Evaluate(ctx, conv.ID, conv.Objectives, BuildTranscript(conv.PersonaName, msgs))
	done := progress.AllAchieved(o.cfg.CompletionConfidence)

	var finished bool
	_, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		c.State.Progress = &progress
		if done && c.IsChatting() {
			c.Finish(now)
			finished = true
		}
		return nil
	})
	if err != nil {
		return false, NewRetryableError(fmt.Errorf("storing progress: %w", err))
	}

	if finished {
		slog.InfoContext(ctx, "all objectives achieved, conversation completed", "percentage", progress.Percentage)
		o.score(ctx, conv.ID)
	}
	return finished, nil
}

// finalize moves the conversation to processing and hands it to scoring. The scorer is called
// only by the pass that performed the transition.
func (o *Orchestrator) finalize(ctx context.Context, conversationID int64, batch []int64, now time.Time) error {
	var transitioned bool
	_, err := o.convs.UpdateState(ctx, conversationID, func(c *model.Conversation) error {
		if c.IsChatting() {
			c.Finish(now)
			transitioned = true
		}
		return nil
	})
	if err != nil {
		return NewRetryableError(fmt.Errorf("finalizing conversation: %w", err))
	}

	if err := o.messages.MarkBatchProcessed(ctx, batch); err != nil {
		return NewRetryableError(fmt.Errorf("marking batch processed: %w", err))
	}

	if transitioned {
		o.score(ctx, conversationID)
	}
	return nil
}

func (o *Orchestrator) score(ctx context.Context, conversationID int64) {
	if o.scorer == nil {
		return
	}
	if err := o.scorer.GenerateMetrics(ctx, conversationID); err != nil {
		slog.ErrorContext(ctx, "scoring hand-off failed", "error", err)
	}
}

// scheduleFollowUp records when the next nudge, reactivation or timeout is due and books a
// wake-up for it. The recorded time lets the sweep recover a wake-up that never fires.
func (o *Orchestrator) scheduleFollowUp(ctx context.Context, conv *model.Conversation, awaitingReply bool, from time.Time) {
	next := o.nextFollowUp(conv, awaitingReply, from)

	if _, err := o.convs.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		if c.IsChatting() {
			c.State.NextFollowUpAt = &next
		}
		return nil
	}); err != nil {
		slog.WarnContext(ctx, "failed to record next follow-up", "error", err, "due_at", next)
	}
	o.wakeAt(ctx, conv.ID, queue.SourceFollowUp, next)
}

// nextFollowUp is the earliest of the tier deadline and, while the contact owes a reply, the
// next nudge or reactivation rung.
func (o *Orchestrator) nextFollowUp(conv *model.Conversation, awaitingReply bool, from time.Time) time.Time {
	next := conv.CreatedAt.Add(timing.ProfileFor(conv.DepthTier).MaxDuration)

	if awaitingReply {
		ladder := o.timing.NudgeSchedule(conv.DepthTier)
		sent := conv.State.FollowUpsSent
		if sent < min(nudgeLimit(conv), len(ladder)) {
			next = earliest(next, conv.LastActivity().Add(ladder[sent].After))
		} else if schedule := o.timing.ReactivationSchedule(conv.DepthTier); conv.State.ReactivationsSent < len(schedule) {
			next = earliest(next, schedule[conv.State.ReactivationsSent].DueAt(conv))
		}
	}

	if !next.After(from) {
		next = from.Add(time.Second)
	}
	return next
}

func (o *Orchestrator) wakeAt(ctx context.Context, conversationID int64, source string, at time.Time) {
	if o.scheduler == nil {
		return
	}
	task := queue.Task{
		TaskType:       queue.TaskTypeConversationTouched,
		ConversationID: conversationID,
		Source:         source,
	}
	if err := o.scheduler.Schedule(ctx, task, at); err != nil {
		slog.WarnContext(ctx, "failed to schedule wake-up, sweep will recover", "error", err, "due_at", at)
	}
}

// dueReactivation picks the rung to send now. Rungs measured from creation that were missed
// entirely are skipped so only the latest overdue one is sent.
func dueReactivation(schedule []timing.Reactivation, conv *model.Conversation, now time.Time) (int, bool) {
	next := conv.State.ReactivationsSent
	if next >= len(schedule) || now.Before(schedule[next].DueAt(conv)) {
		return 0, false
	}
	rung := next
	for rung+1 < len(schedule) && schedule[rung+1].FromCreation && !now.Before(schedule[rung+1].DueAt(conv)) {
		rung++
	}
	return rung, true
}

func nudgeLimit(conv *model.Conversation) int {
	if conv.State.MaxFollowUps > 0 {
		return min(conv.State.MaxFollowUps, timing.MaxNudges)
	}
	return timing.MaxNudges
}

func processedOnly(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsUnprocessedInbound() {
			out = append(out, m)
		}
	}
	return out
}

func oldestCreatedAt(msgs []model.Message) time.Time {
	var oldest time.Time
	for i, m := range msgs {
		if i == 0 || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return oldest
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
