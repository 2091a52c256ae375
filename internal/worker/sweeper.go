package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"parley.app/dialog/common/logger"
	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/store"
)

type SweeperConfig struct {
	Interval    time.Duration
	Grace       time.Duration
	StaleClaim  time.Duration
	Cooldown    time.Duration
	BatchSize   int
	Concurrency int
}

type SweepResult struct {
	Scanned     int `json:"scanned"`
	Reprocessed int `json:"reprocessed"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed,omitempty"`
}

// Sweeper re-runs conversations whose inbound messages were never answered or whose follow-up
// came due without a pass, recovering triggers that were lost or whose pass crashed.
type Sweeper struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	orchestrator  Orchestrator
	cooldown      Cooldown
	cfg           SweeperConfig
	Now           func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSweeper(stores store.Provider, orchestrator Orchestrator, cooldown Cooldown, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 3 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 45 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{
		conversations: stores.Conversations(),
		messages:      stores.Messages(),
		orchestrator:  orchestrator,
		cooldown:      cooldown,
		cfg:           cfg,
		Now:           func() time.Time { return time.Now().UTC() },
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Run sweeps every cfg.Interval until Stop is called or ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "dialog.worker.sweeper"})
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "sweeper started",
		"interval", s.cfg.Interval,
		"grace", s.cfg.Grace,
		"stale_claim", s.cfg.StaleClaim)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			slog.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "sweep cycle error", "error", err)
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

// SweepOnce runs one recovery cycle. Per-conversation failures are counted, never returned;
// an error means the candidate query itself failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := s.Now()
	orphans, err := s.messages.ListOrphans(ctx, store.OrphanQuery{
		UnclaimedBefore: now.Add(-s.cfg.Grace),
		ClaimedBefore:   now.Add(-s.cfg.StaleClaim),
		Limit:           s.cfg.BatchSize,
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("listing orphan messages: %w", err)
	}

	overdue, err := s.conversations.ListFollowUpsDue(ctx, now.Add(-s.cfg.Grace), s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("listing overdue follow-ups: %w", err)
	}

	ids := conversationIDs(orphans, overdue)
	if len(ids) == 0 {
		return SweepResult{}, nil
	}

	convs, err := s.conversations.ListByIDs(ctx, ids)
	if err != nil {
		return SweepResult{}, fmt.Errorf("loading orphan conversations: %w", err)
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Scanned: len(ids)}
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	// Conversations that vanished between the two queries count as skipped.
	result.Skipped = len(ids) - len(convs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i := range convs {
		conv := &convs[i]
		if reason, skip := s.skipReason(conv, now); skip {
			slog.DebugContext(ctx, "sweep skipping conversation",
				"conversation_id", conv.ID,
				"reason", reason)
			count(&result.Skipped)
			continue
		}

		g.Go(func() error {
			switch outcome, err := s.reprocess(gctx, conv.ID); {
			case err != nil:
				count(&result.Failed)
			case outcome == "":
				count(&result.Skipped)
			default:
				count(&result.Reprocessed)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "sweep finished",
		"orphans", len(orphans),
		"overdue_follow_ups", len(overdue),
		"scanned", result.Scanned,
		"reprocessed", result.Reprocessed,
		"skipped", result.Skipped,
		"failed", result.Failed)
	return result, nil
}

func (s *Sweeper) skipReason(conv *model.Conversation, now time.Time) (string, bool) {
	switch {
	case !conv.IsChatting():
		return "inactive", true
	case lock.IsLocked(conv, now):
		return "locked", true
	case conv.State.GroupingWindowActive(now):
		return "grouping_window", true
	}
	return "", false
}

// reprocess returns an empty outcome when the conversation was skipped by cooldown or lost a
// lock race.
func (s *Sweeper) reprocess(ctx context.Context, conversationID int64) (brain.Outcome, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: &conversationID})

	if s.cooldown != nil {
		ok, err := s.cooldown.Acquire(ctx, conversationID, s.cfg.Cooldown)
		if err != nil {
			slog.WarnContext(ctx, "sweep cooldown check failed, skipping", "error", err)
			return "", nil
		}
		if !ok {
			slog.DebugContext(ctx, "sweep cooldown active, skipping")
			return "", nil
		}
	}

	res, err := s.runSafe(ctx, conversationID)
	if err != nil {
		slog.ErrorContext(ctx, "sweep pass failed", "error", err)
		return "", err
	}
	if res.Outcome == brain.OutcomeSkippedLocked {
		return "", nil
	}

	slog.InfoContext(ctx, "orphaned conversation reprocessed", "outcome", res.Outcome)
	return res.Outcome, nil
}

func (s *Sweeper) runSafe(ctx context.Context, conversationID int64) (res brain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.orchestrator.Process(ctx, conversationID, queue.SourceSweep)
}

func conversationIDs(messages []model.Message, convs []model.Conversation) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range messages {
		add(m.ConversationID)
	}
	for _, c := range convs {
		add(c.ID)
	}
	return ids
}
