package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley.app/dialog/common/id"
	"parley.app/dialog/common/logger"
	"parley.app/dialog/common/phone"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/store"
)

// InboundEvent is one message delivered by the channel gateway.
type InboundEvent struct {
	Instance string  `json:"instance"`
	Sender   string  `json:"sender"`
	Text     string  `json:"text"`
	SelfSent bool    `json:"from_me"`
	TraceID  *string `json:"trace_id,omitempty"`
}

type InboundResult struct {
	ConversationID  int64 `json:"conversation_id"`
	MessageID       int64 `json:"message_id"`
	InstanceChanged bool  `json:"instance_changed"`
}

// ErrRejected marks an event that was dropped on purpose. It is never retried.
var ErrRejected = errors.New("inbound event rejected")

type InboundService interface {
	Receive(ctx context.Context, event InboundEvent) (*InboundResult, error)
}

const publishTimeout = 5 * time.Second

type InboundGate struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	producer      queue.Producer
	Now           func() time.Time

	publishes sync.WaitGroup
}

func NewInboundGate(stores store.Provider, producer queue.Producer) *InboundGate {
	return &InboundGate{
		conversations: stores.Conversations(),
		messages:      stores.Messages(),
		producer:      producer,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InboundGate) Receive(ctx context.Context, event InboundEvent) (*InboundResult, error) {
	text := strings.TrimSpace(event.Text)
	sender := strings.TrimSpace(event.Sender)

	switch {
	case event.SelfSent:
		return nil, reject(ctx, "self-sent message")
	case sender == "":
		return nil, reject(ctx, "empty sender")
	case text == "":
		return nil, reject(ctx, "empty text")
	}

	variants := phone.Variants(sender)
	if len(variants) == 0 {
		return nil, reject(ctx, "sender has no digits")
	}

	candidates, err := s.conversations.ListChattingByAddresses(ctx, variants)
	if err != nil {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	if len(candidates) == 0 {
		return nil, reject(ctx, "no chatting conversation for sender", "sender", phone.Digits(sender))
	}
	if len(candidates) > 1 {
		slog.WarnContext(ctx, "several chatting conversations match sender, using most recent",
			"sender", phone.Digits(sender),
			"matches", len(candidates))
	}
	conv := candidates[0]
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: &conv.ID})

	now := s.Now()
	msg, err := s.messages.Create(ctx, &model.Message{
		ID:             id.New(),
		ConversationID: conv.ID,
		Direction:      model.DirectionInbound,
		Content:        text,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("storing inbound message: %w", err)
	}

	instanceChanged := false
	if _, err := s.conversations.UpdateState(ctx, conv.ID, func(c *model.Conversation) error {
		c.Touch(now)
		instanceChanged = recordInstance(c, event.Instance, now)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("recording inbound activity: %w", err)
	}

	if instanceChanged {
		slog.WarnContext(ctx, "inbound event arrived on a different channel instance",
			"original_channel", conv.ChannelInstance,
			"new_channel", event.Instance)
	}

	s.publish(ctx, queue.Task{
		TaskType:       queue.TaskTypeConversationTouched,
		ConversationID: conv.ID,
		Source:         queue.SourceInbound,
		TraceID:        event.TraceID,
	})

	slog.InfoContext(ctx, "inbound message accepted", "message_id", msg.ID)
	return &InboundResult{
		ConversationID:  conv.ID,
		MessageID:       msg.ID,
		InstanceChanged: instanceChanged,
	}, nil
}

// Wait blocks until in-flight trigger publishes finish.
func (s *InboundGate) Wait() {
	s.publishes.Wait()
}

// publish runs detached from the request. A lost trigger leaves an orphan that the sweeper
// picks up.
func (s *InboundGate) publish(ctx context.Context, task queue.Task) {
	if s.producer == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	s.publishes.Add(1)
	go func() {
		defer s.publishes.Done()
		defer cancel()
		if err := s.producer.Publish(pubCtx, task); err != nil {
			slog.ErrorContext(pubCtx, "failed to publish conversation trigger", "error", err)
		}
	}()
}

// recordInstance keeps the first recorded instance and writes an audit trail when a message
// arrives through another one. Reports whether this event introduced a new instance.
func recordInstance(c *model.Conversation, instance string, now time.Time) bool {
	instance = strings.TrimSpace(instance)
	switch {
	case instance == "":
		return false
	case c.ChannelInstance == "":
		c.ChannelInstance = instance
		return false
	case c.ChannelInstance == instance, c.State.NewChannel == instance:
		return false
	}

	c.State.InstanceChanged = true
	c.State.OriginalChannel = c.ChannelInstance
	c.State.NewChannel = instance
	c.State.ChangedAt = &now
	return true
}

func reject(ctx context.Context, reason string, args ...any) error {
	slog.InfoContext(ctx, "inbound event dropped", append([]any{"reason", reason}, args...)...)
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
