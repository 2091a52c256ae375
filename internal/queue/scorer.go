package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisScorer hands finished conversations to the scoring service through its own stream.
// Duplicate entries are tolerated by the scoring side.
type RedisScorer struct {
	client *redis.Client
	stream string
}

func NewRedisScorer(client *redis.Client, stream string) *RedisScorer {
	return &RedisScorer{client: client, stream: stream}
}

func (s *RedisScorer) GenerateMetrics(ctx context.Context, conversationID int64) error {
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: taskValues(Task{
			TaskType:       TaskTypeScoreConversation,
			ConversationID: conversationID,
		}),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue scoring: %w", err)
	}

	slog.InfoContext(ctx, "conversation handed to scoring", "conversation_id", conversationID)
	return nil
}
