package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/store"
	"parley.app/dialog/internal/worker"
)

// ErrConversationNotFound is returned by admin operations on an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

type Orchestrator interface {
	Process(ctx context.Context, conversationID int64, source string) (brain.Result, error)
}

type Sweeper interface {
	SweepOnce(ctx context.Context) (worker.SweepResult, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, task queue.Task, at time.Time) error
}

type AdminService interface {
	// ForceUnlock clears a stuck lease and arranges for a pass once the short restart window
	// elapses.
	ForceUnlock(ctx context.Context, conversationID int64) (lock.ForceClearResult, error)
	RunSweep(ctx context.Context) (worker.SweepResult, error)
	RunOrchestrator(ctx context.Context, conversationID int64) (brain.Result, error)
}

type adminService struct {
	locks        *lock.Manager
	orchestrator Orchestrator
	sweeper      Sweeper
	scheduler    Scheduler
}

func NewAdminService(locks *lock.Manager, orchestrator Orchestrator, sweeper Sweeper, scheduler Scheduler) AdminService {
	return &adminService{
		locks:        locks,
		orchestrator: orchestrator,
		sweeper:      sweeper,
		scheduler:    scheduler,
	}
}

func (s *adminService) ForceUnlock(ctx context.Context, conversationID int64) (lock.ForceClearResult, error) {
	res, err := s.locks.ForceClear(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lock.ForceClearResult{}, ErrConversationNotFound
		}
		return lock.ForceClearResult{}, err
	}

	if s.scheduler != nil {
		task := queue.Task{
			TaskType:       queue.TaskTypeConversationTouched,
			ConversationID: conversationID,
			Source:         queue.SourceAdmin,
		}
		if err := s.scheduler.Schedule(ctx, task, res.NextResponseAt); err != nil {
			// The sweeper still finds unanswered messages once the window closes.
			slog.WarnContext(ctx, "failed to schedule pass after unlock",
				"conversation_id", conversationID,
				"error", err)
		}
	}
	return res, nil
}

func (s *adminService) RunSweep(ctx context.Context) (worker.SweepResult, error) {
	if s.sweeper == nil {
		return worker.SweepResult{}, errors.New("sweeper not configured")
	}
	return s.sweeper.SweepOnce(ctx)
}

func (s *adminService) RunOrchestrator(ctx context.Context, conversationID int64) (brain.Result, error) {
	res, err := s.orchestrator.Process(ctx, conversationID, queue.SourceAdmin)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return brain.Result{}, ErrConversationNotFound
		}
		return brain.Result{}, fmt.Errorf("running orchestrator: %w", err)
	}
	return res, nil
}
