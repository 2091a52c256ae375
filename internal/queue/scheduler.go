package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisScheduler holds delayed tasks in a sorted set scored by due time (unix ms) and moves
// them onto the trigger stream once due. One member per conversation and source; a member keeps
// its earliest due time, and the pass it wakes books the next one.
type RedisScheduler struct {
	client   *redis.Client
	key      string
	producer Producer
}

func NewRedisScheduler(client *redis.Client, key string, producer Producer) *RedisScheduler {
	return &RedisScheduler{client: client, key: key, producer: producer}
}

func (s *RedisScheduler) Schedule(ctx context.Context, task Task, at time.Time) error {
	if err := s.keepEarliest(ctx, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: scheduleMember(task),
	}); err != nil {
		return fmt.Errorf("zadd scheduled task: %w", err)
	}
	slog.DebugContext(ctx, "task scheduled",
		"conversation_id", task.ConversationID,
		"due_at", at)
	return nil
}

// Pump publishes up to limit tasks due at or before now. An entry is published only by the
// caller whose ZREM removed it, so concurrent pumps never double-publish. A task that fails to
// publish goes back into the set at its original due time.
func (s *RedisScheduler) Pump(ctx context.Context, now time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.client.ZRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	published := 0
	for _, z := range due {
		member, _ := z.Member.(string)
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return published, fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		task, err := parseScheduleMember(member)
		if err != nil {
			slog.ErrorContext(ctx, "dropping malformed scheduled task", "member", member, "error", err)
			continue
		}
		if err := s.producer.Publish(ctx, task); err != nil {
			if restoreErr := s.keepEarliest(context.WithoutCancel(ctx), z); restoreErr != nil {
				slog.ErrorContext(ctx, "failed to restore scheduled task", "member", member, "error", restoreErr)
			}
			return published, err
		}
		published++
	}
	return published, nil
}

// keepEarliest adds z, or lowers the score of an existing member. A later due time never
// displaces an earlier one.
func (s *RedisScheduler) keepEarliest(ctx context.Context, z redis.Z) error {
	return s.client.ZAddArgs(ctx, s.key, redis.ZAddArgs{LT: true, Members: []redis.Z{z}}).Err()
}

func scheduleMember(task Task) string {
	return fmt.Sprintf("%d|%s", task.ConversationID, task.Source)
}

func parseScheduleMember(member string) (Task, error) {
	idPart, source, _ := strings.Cut(member, "|")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("parsing conversation id: %w", err)
	}
	return Task{
		TaskType:       TaskTypeConversationTouched,
		ConversationID: id,
		Source:         source,
	}, nil
}
