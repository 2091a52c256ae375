package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so that every log line emitted while a conversation
// is being processed carries conversation_id, run_id and friends without passing them around.
type LogFields struct {
	ConversationID *int64  // Conversation being processed
	MessageID      *int64  // Conversation message (inbound or outbound)
	StreamID       *string // Redis stream message ID
	RunID          *string // Orchestrator lock run ID
	Source         *string // What triggered the pass ("trigger", "sweep", "schedule", "admin")
	Component      string  // Component name (OTel semantic convention style, e.g., "dialog.brain.orchestrator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.ConversationID != nil {
		result.ConversationID = new.ConversationID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.StreamID != nil {
		result.StreamID = new.StreamID
	}
	if new.RunID != nil {
		result.RunID = new.RunID
	}
	if new.Source != nil {
		result.Source = new.Source
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ConversationID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging message bodies and provider errors.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
