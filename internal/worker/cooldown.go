package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown rate-limits sweep-triggered passes per conversation.
type Cooldown interface {
	// Acquire returns true when no sweep pass ran for the conversation within ttl, and starts
	// a new cooldown window.
	Acquire(ctx context.Context, conversationID int64, ttl time.Duration) (bool, error)
}

type RedisCooldown struct {
	client *redis.Client
	prefix string
}

func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "dialog:sweep_cooldown"
	}
	return &RedisCooldown{client: client, prefix: prefix}
}

func (c *RedisCooldown) Acquire(ctx context.Context, conversationID int64, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(conversationID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx sweep cooldown: %w", err)
	}
	return ok, nil
}

func (c *RedisCooldown) key(conversationID int64) string {
	return c.prefix + ":" + strconv.FormatInt(conversationID, 10)
}
