package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type Producer interface {
	Publish(ctx context.Context, task Task) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Publish(ctx context.Context, task Task) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: taskValues(task),
	}).Err(); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}

	p.logger.DebugContext(ctx, "published task",
		"task_type", task.TaskType,
		"conversation_id", task.ConversationID,
		"source", task.Source)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

func taskValues(task Task) map[string]any {
	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	taskType := task.TaskType
	if taskType == "" {
		taskType = TaskTypeConversationTouched
	}

	values := map[string]any{
		"task_type":       string(taskType),
		"conversation_id": task.ConversationID,
		"attempt":         attempt,
	}
	if task.Source != "" {
		values["source"] = task.Source
	}
	if task.TraceID != nil && *task.TraceID != "" {
		values["trace_id"] = *task.TraceID
	}
	return values
}
