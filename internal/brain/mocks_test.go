package brain_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"parley.app/dialog/common/llm"
	"parley.app/dialog/internal/queue"
)

type mockLLM struct {
	mu         sync.Mutex
	completeFn func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)
	// verdictFn supplies the structured answer decoded into the Chat result.
	verdictFn func(req llm.Request) (any, error)

	completeCalls []llm.CompletionRequest
	chatCalls     []llm.Request
}

func (m *mockLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	m.mu.Lock()
	m.completeCalls = append(m.completeCalls, req)
	m.mu.Unlock()
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	return &llm.Completion{Text: "generated reply"}, nil
}

func (m *mockLLM) Chat(_ context.Context, req llm.Request, result any) (*llm.Response, error) {
	m.mu.Lock()
	m.chatCalls = append(m.chatCalls, req)
	m.mu.Unlock()

	verdict := any(map[string]any{"achieved": false, "confidence": 10, "evidence": ""})
	if m.verdictFn != nil {
		v, err := m.verdictFn(req)
		if err != nil {
			return nil, err
		}
		verdict = v
	}
	raw, err := json.Marshal(verdict)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, err
	}
	return &llm.Response{PromptTokens: 12, CompletionTokens: 5}, nil
}

func (m *mockLLM) Model() string { return "mock-model" }

func (m *mockLLM) CompleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeCalls)
}

type sentMessage struct {
	Recipient string
	Text      string
}

type mockSender struct {
	mu        sync.Mutex
	err       error
	panicWith string
	sent      []sentMessage
}

func (m *mockSender) Send(_ context.Context, recipient, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicWith != "" {
		panic(m.panicWith)
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{Recipient: recipient, Text: text})
	return nil
}

func (m *mockSender) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type mockScorer struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (m *mockScorer) GenerateMetrics(_ context.Context, conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID)
	return m.err
}

func (m *mockScorer) Calls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.calls...)
}

type scheduledTask struct {
	Task queue.Task
	At   time.Time
}

type mockScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (m *mockScheduler) Schedule(_ context.Context, task queue.Task, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, scheduledTask{Task: task, At: at})
	return nil
}

func (m *mockScheduler) Last() scheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return scheduledTask{}
	}
	return m.tasks[len(m.tasks)-1]
}
