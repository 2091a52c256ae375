// Package lock implements the per-conversation processing lease stored in the conversation
// state. Acquire and release are single read-modify-write operations on the store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/store"
)

// ErrBusy is returned by TryAcquire while another run holds an unexpired lease.
var ErrBusy = errors.New("conversation locked")

const (
	DefaultTTL = 45 * time.Second

	forceClearWindow = 5 * time.Second
	forceClearSource = "force_unlock"
)

type Manager struct {
	conversations store.ConversationStore

	Now      func() time.Time
	NewRunID func() string
}

func NewManager(conversations store.ConversationStore) *Manager {
	return &Manager{
		conversations: conversations,
		Now:           func() time.Time { return time.Now().UTC() },
		NewRunID:      uuid.NewString,
	}
}

// TryAcquire takes the lease when it is absent or expired.
func (m *Manager) TryAcquire(ctx context.Context, conversationID int64, ttl time.Duration) (model.Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var acquired model.Lock
	_, err := m.conversations.UpdateState(ctx, conversationID, func(conv *model.Conversation) error {
		now := m.Now()
		if held := conv.State.ProcessingLock; held.Active(now) {
			return ErrBusy
		} else if held != nil {
			slog.InfoContext(ctx, "stealing expired conversation lock",
				"previous_run_id", held.RunID,
				"expired_at", held.Until)
		}

		acquired = model.Lock{
			RunID:     m.NewRunID(),
			StartedAt: now,
			Until:     now.Add(ttl),
		}
		conv.State.ProcessingLock = &acquired
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return model.Lock{}, ErrBusy
		}
		return model.Lock{}, fmt.Errorf("acquiring lock: %w", err)
	}
	return acquired, nil
}

// Release clears the lease only if runID still owns it. Returns whether a lease was cleared.
func (m *Manager) Release(ctx context.Context, conversationID int64, runID string) (bool, error) {
	released := false
	_, err := m.conversations.UpdateState(ctx, conversationID, func(conv *model.Conversation) error {
		held := conv.State.ProcessingLock
		if held == nil || held.RunID != runID {
			return errNotOwner
		}
		conv.State.ProcessingLock = nil
		released = true
		return nil
	})
	if errors.Is(err, errNotOwner) {
		slog.DebugContext(ctx, "lock no longer owned by run, leaving it", "run_id", runID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("releasing lock: %w", err)
	}
	return released, nil
}

var errNotOwner = errors.New("lock not owned")

type ForceClearResult struct {
	Unlocked       bool      `json:"unlocked"`
	NextResponseAt time.Time `json:"next_response_at"`
}

// ForceClear drops any lease and opens a short response window so timers restart.
func (m *Manager) ForceClear(ctx context.Context, conversationID int64) (ForceClearResult, error) {
	var result ForceClearResult
	_, err := m.conversations.UpdateState(ctx, conversationID, func(conv *model.Conversation) error {
		now := m.Now()
		next := now.Add(forceClearWindow)

		result.Unlocked = conv.State.ProcessingLock != nil
		result.NextResponseAt = next

		conv.State.ProcessingLock = nil
		conv.State.NextResponseAt = &next
		conv.State.NextResponseSource = forceClearSource
		return nil
	})
	if err != nil {
		return ForceClearResult{}, fmt.Errorf("force clearing lock: %w", err)
	}

	slog.InfoContext(ctx, "conversation lock force cleared",
		"had_lock", result.Unlocked,
		"next_response_at", result.NextResponseAt)
	return result, nil
}

// IsLocked reports whether conv currently carries an active lease.
func IsLocked(conv *model.Conversation, now time.Time) bool {
	return conv.State.ProcessingLock.Active(now)
}
