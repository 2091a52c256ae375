package worker

import (
	"context"
	"time"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Orchestrator runs one pass for a conversation.
type Orchestrator interface {
	Process(ctx context.Context, conversationID int64, source string) (brain.Result, error)
}

// Scheduler delays a task until at.
type Scheduler interface {
	Schedule(ctx context.Context, task queue.Task, at time.Time) error
}
