package store

import (
	"context"
	"errors"
	"time"

	"parley.app/dialog/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ConversationStore defines the contract for conversation data access
type ConversationStore interface {
	Create(ctx context.Context, conv *model.Conversation) (*model.Conversation, error)
	GetByID(ctx context.Context, id int64) (*model.Conversation, error)
	ListByIDs(ctx context.Context, ids []int64) ([]model.Conversation, error)
	// ListChattingByAddresses returns conversations in status chatting whose channel address is
	// one of addresses, most recently active first.
	ListChattingByAddresses(ctx context.Context, addresses []string) ([]model.Conversation, error)
	// ListFollowUpsDue returns chatting conversations whose next follow-up was due at or before
	// before. Conversations without a recorded due time qualify once idle since before.
	ListFollowUpsDue(ctx context.Context, before time.Time, limit int) ([]model.Conversation, error)
	// UpdateState loads the latest stored row under a row lock, applies fn and persists the
	// result atomically. If fn returns an error nothing is written and that error is returned.
	UpdateState(ctx context.Context, id int64, fn func(conv *model.Conversation) error) (*model.Conversation, error)
}

// OrphanQuery selects unprocessed inbound messages that either were never claimed and are
// older than UnclaimedBefore, or were claimed before ClaimedBefore without completing.
type OrphanQuery struct {
	UnclaimedBefore time.Time
	ClaimedBefore   time.Time
	Limit           int
}

// MessageStore defines the contract for conversation message data access.
// The processed flag is never cleared.
type MessageStore interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	// ListByConversation returns messages ordered by created_at, then insertion order.
	ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error)
	// Claim stamps claimed_by/claimed_at on still-unprocessed messages.
	Claim(ctx context.Context, ids []int64, runID string, at time.Time) error
	MarkBatchProcessed(ctx context.Context, ids []int64) error
	SetNextResponseAt(ctx context.Context, ids []int64, at time.Time) error
	ListOrphans(ctx context.Context, q OrphanQuery) ([]model.Message, error)
}

// LLMEvalStore defines the contract for LLM call logging
type LLMEvalStore interface {
	Create(ctx context.Context, eval *model.LLMEval) (*model.LLMEval, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]model.LLMEval, error)
}

// Provider exposes the stores; implemented by the Postgres-backed Stores and by Memory.
type Provider interface {
	Conversations() ConversationStore
	Messages() MessageStore
	LLMEvals() LLMEvalStore
}
