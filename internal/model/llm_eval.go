package model

import (
	"encoding/json"
	"time"
)

// LLMEval records one LLM call for offline quality review.
type LLMEval struct {
	ID               int64           `json:"id"`
	ConversationID   *int64          `json:"conversation_id,omitempty"`
	Stage            string          `json:"stage"`
	InputText        string          `json:"input_text"`
	OutputJSON       json.RawMessage `json:"output_json,omitempty"`
	Model            string          `json:"model"`
	Temperature      *float64        `json:"temperature,omitempty"`
	PromptVersion    *string         `json:"prompt_version,omitempty"`
	LatencyMs        *int            `json:"latency_ms,omitempty"`
	PromptTokens     *int            `json:"prompt_tokens,omitempty"`
	CompletionTokens *int            `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
