package handler_test

import (
	"context"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/worker"
)

type mockAdminService struct {
	forceUnlockFn     func(ctx context.Context, conversationID int64) (lock.ForceClearResult, error)
	runSweepFn        func(ctx context.Context) (worker.SweepResult, error)
	runOrchestratorFn func(ctx context.Context, conversationID int64) (brain.Result, error)
}

func (m *mockAdminService) ForceUnlock(ctx context.Context, conversationID int64) (lock.ForceClearResult, error) {
	if m.forceUnlockFn != nil {
		return m.forceUnlockFn(ctx, conversationID)
	}
	return lock.ForceClearResult{}, nil
}

func (m *mockAdminService) RunSweep(ctx context.Context) (worker.SweepResult, error) {
	if m.runSweepFn != nil {
		return m.runSweepFn(ctx)
	}
	return worker.SweepResult{}, nil
}

func (m *mockAdminService) RunOrchestrator(ctx context.Context, conversationID int64) (brain.Result, error) {
	if m.runOrchestratorFn != nil {
		return m.runOrchestratorFn(ctx, conversationID)
	}
	return brain.Result{ConversationID: conversationID}, nil
}
