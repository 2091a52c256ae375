package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"parley.app/dialog/internal/model"
)

// Memory is an in-process Provider used by tests and local tooling. Every read returns a deep
// copy so callers cannot mutate stored rows outside UpdateState.
type Memory struct {
	mu            sync.Mutex
	conversations map[int64]model.Conversation
	messages      map[int64][]model.Message
	evals         []model.LLMEval
	seq           int64
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[int64]model.Conversation),
		messages:      make(map[int64][]model.Message),
	}
}

func (m *Memory) Conversations() ConversationStore { return memoryConversations{m} }
func (m *Memory) Messages() MessageStore           { return memoryMessages{m} }
func (m *Memory) LLMEvals() LLMEvalStore           { return memoryEvals{m} }

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

type memoryConversations struct{ m *Memory }

func (s memoryConversations) Create(_ context.Context, conv *model.Conversation) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c := cloneConversation(*conv)
	if c.ID == 0 {
		c.ID = s.m.nextID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	s.m.conversations[c.ID] = c
	out := cloneConversation(c)
	return &out, nil
}

func (s memoryConversations) GetByID(_ context.Context, id int64) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c, ok := s.m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneConversation(c)
	return &out, nil
}

func (s memoryConversations) ListByIDs(_ context.Context, ids []int64) ([]model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var result []model.Conversation
	for _, id := range ids {
		if c, ok := s.m.conversations[id]; ok {
			result = append(result, cloneConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s memoryConversations) ListChattingByAddresses(_ context.Context, addresses []string) ([]model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var result []model.Conversation
	for _, c := range s.m.conversations {
		if c.IsChatting() && slices.Contains(addresses, c.ChannelAddress) {
			result = append(result, cloneConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].LastActivity(), result[j].LastActivity()
		if a.Equal(b) {
			return result[i].ID > result[j].ID
		}
		return a.After(b)
	})
	return result, nil
}

func (s memoryConversations) ListFollowUpsDue(_ context.Context, before time.Time, limit int) ([]model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var result []model.Conversation
	for _, c := range s.m.conversations {
		if !c.IsChatting() {
			continue
		}
		due := c.LastActivity()
		if c.State.NextFollowUpAt != nil {
			due = *c.State.NextFollowUpAt
		}
		if !due.After(before) {
			result = append(result, cloneConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s memoryConversations) UpdateState(_ context.Context, id int64, fn func(conv *model.Conversation) error) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	stored, ok := s.m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := cloneConversation(stored)
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	s.m.conversations[id] = cloneConversation(working)
	return &working, nil
}

type memoryMessages struct{ m *Memory }

func (s memoryMessages) Create(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c := cloneMessage(*msg)
	if c.ID == 0 {
		c.ID = s.m.nextID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.m.messages[c.ConversationID] = append(s.m.messages[c.ConversationID], c)
	out := cloneMessage(c)
	return &out, nil
}

func (s memoryMessages) ListByConversation(_ context.Context, conversationID int64) ([]model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	msgs := s.m.messages[conversationID]
	result := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, cloneMessage(msg))
	}
	sortMessages(result)
	return result, nil
}

func (s memoryMessages) Claim(_ context.Context, ids []int64, runID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	s.m.eachMessage(ids, func(msg *model.Message) {
		if msg.Meta.Processed {
			return
		}
		t := at
		msg.Meta.ClaimedBy = runID
		msg.Meta.ClaimedAt = &t
	})
	return nil
}

func (s memoryMessages) MarkBatchProcessed(_ context.Context, ids []int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	s.m.eachMessage(ids, func(msg *model.Message) { msg.Meta.Processed = true })
	return nil
}

func (s memoryMessages) SetNextResponseAt(_ context.Context, ids []int64, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	s.m.eachMessage(ids, func(msg *model.Message) {
		t := at
		msg.Meta.NextResponseAt = &t
	})
	return nil
}

func (s memoryMessages) ListOrphans(_ context.Context, q OrphanQuery) ([]model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var result []model.Message
	for _, msgs := range s.m.messages {
		for _, msg := range msgs {
			if !msg.IsUnprocessedInbound() {
				continue
			}
			unclaimedOld := msg.Meta.ClaimedBy == "" && msg.CreatedAt.Before(q.UnclaimedBefore)
			staleClaim := msg.Meta.ClaimedAt != nil && msg.Meta.ClaimedAt.Before(q.ClaimedBefore)
			if unclaimedOld || staleClaim {
				result = append(result, cloneMessage(msg))
			}
		}
	}
	sortMessages(result)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *Memory) eachMessage(ids []int64, fn func(msg *model.Message)) {
	for convID, msgs := range m.messages {
		for i := range msgs {
			if slices.Contains(ids, msgs[i].ID) {
				fn(&m.messages[convID][i])
			}
		}
	}
}

type memoryEvals struct{ m *Memory }

func (s memoryEvals) Create(_ context.Context, eval *model.LLMEval) (*model.LLMEval, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c := *eval
	if c.ID == 0 {
		c.ID = s.m.nextID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.m.evals = append(s.m.evals, c)
	return &c, nil
}

func (s memoryEvals) ListByConversation(_ context.Context, conversationID int64) ([]model.LLMEval, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var result []model.LLMEval
	for _, e := range s.m.evals {
		if e.ConversationID != nil && *e.ConversationID == conversationID {
			result = append(result, e)
		}
	}
	return result, nil
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// cloneConversation deep-copies through JSON, the same representation the Postgres store
// persists, so pointer fields are never shared with the caller.
func cloneConversation(c model.Conversation) model.Conversation {
	var out model.Conversation
	raw, err := json.Marshal(c)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return out
}

func cloneMessage(m model.Message) model.Message {
	var out model.Message
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
