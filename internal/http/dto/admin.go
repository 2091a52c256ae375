package dto

import "time"

type UnlockResponse struct {
	Unlocked       bool      `json:"unlocked"`
	NextResponseAt time.Time `json:"next_response_at"`
}

type SweepResponse struct {
	Scanned     int `json:"scanned"`
	Reprocessed int `json:"reprocessed"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

type ProcessResponse struct {
	ConversationID    int64      `json:"conversation_id"`
	Outcome           string     `json:"outcome"`
	RunID             string     `json:"run_id,omitempty"`
	MessagesProcessed int        `json:"messages_processed"`
	NextResponseAt    *time.Time `json:"next_response_at,omitempty"`
	Degraded          string     `json:"degraded,omitempty"`
}
