package queue

type TaskType string

const (
	// TaskTypeConversationTouched asks a worker to run one orchestrator pass.
	TaskTypeConversationTouched TaskType = "conversation_touched"
	// TaskTypeScoreConversation hands a finished conversation to the scoring service.
	TaskTypeScoreConversation TaskType = "score_conversation"
)

// Trigger sources recorded on tasks and in logs.
const (
	SourceInbound   = "inbound"
	SourceScheduled = "scheduled"
	SourceFollowUp  = "follow_up"
	SourceSweep     = "sweep"
	SourceAdmin     = "admin"
	SourceReclaim   = "reclaim"
)

type Task struct {
	TaskType       TaskType
	ConversationID int64
	Source         string
	TraceID        *string
	Attempt        int
}
