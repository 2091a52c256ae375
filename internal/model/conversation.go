package model

import "time"

type (
	ConversationStatus string
	DepthTier          string
)

const (
	ConversationStatusPending         ConversationStatus = "pending"
	ConversationStatusResearching     ConversationStatus = "researching"
	ConversationStatusChatting        ConversationStatus = "chatting"
	ConversationStatusPendingFollowUp ConversationStatus = "pending_follow_up"
	ConversationStatusProcessing      ConversationStatus = "processing"
	ConversationStatusCompleted       ConversationStatus = "completed"
	ConversationStatusFailed          ConversationStatus = "failed"
)

const (
	DepthTierQuick        DepthTier = "quick"
	DepthTierIntermediate DepthTier = "intermediate"
	DepthTierDeep         DepthTier = "deep"
)

// Valid reports whether t is one of the known tiers.
func (t DepthTier) Valid() bool {
	switch t {
	case DepthTierQuick, DepthTierIntermediate, DepthTierDeep:
		return true
	}
	return false
}

// Lock is a time-bounded lease on a conversation. It is active only while Until is in the future;
// an expired lock may be stolen by anyone.
type Lock struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Until     time.Time `json:"until"`
}

func (l *Lock) Active(now time.Time) bool {
	return l != nil && now.Before(l.Until)
}

// ConversationState is the typed form of the conversation metadata column.
// All writes go through store.ConversationStore.UpdateState.
type ConversationState struct {
	ProcessingLock     *Lock      `json:"processing_lock,omitempty"`
	NextResponseAt     *time.Time `json:"next_response_at,omitempty"`
	NextResponseSource string     `json:"next_response_source,omitempty"`
	FollowUpsSent      int        `json:"follow_ups_sent"`
	MaxFollowUps       int        `json:"max_follow_ups"`
	ReactivationsSent  int        `json:"reactivations_sent"`
	// NextFollowUpAt is when the next nudge, reactivation or timeout check is due. The
	// recovery sweep uses it when a scheduled wake-up is lost.
	NextFollowUpAt *time.Time `json:"next_follow_up_at,omitempty"`
	Progress       *Progress  `json:"progress,omitempty"`

	// Channel identity audit trail, set when an inbound event arrives on an instance
	// different from the one recorded for the conversation.
	InstanceChanged bool       `json:"instance_changed,omitempty"`
	OriginalChannel string     `json:"original_channel,omitempty"`
	NewChannel      string     `json:"new_channel,omitempty"`
	ChangedAt       *time.Time `json:"changed_at,omitempty"`
}

// GroupingWindowActive reports whether a scheduled response is still in the future.
func (s ConversationState) GroupingWindowActive(now time.Time) bool {
	return s.NextResponseAt != nil && now.Before(*s.NextResponseAt)
}

// ResponseWindow returns the grouping window that covers messages received since t. A window
// that closed before t belonged to an earlier batch and is not returned.
func (s ConversationState) ResponseWindow(since time.Time) *time.Time {
	if s.NextResponseAt == nil || s.NextResponseAt.Before(since) {
		return nil
	}
	return s.NextResponseAt
}

// ClearSchedule drops the grouping window once a response was produced.
func (s *ConversationState) ClearSchedule() {
	s.NextResponseAt = nil
	s.NextResponseSource = ""
}

type Conversation struct {
	ID              int64              `json:"id"`
	PersonaName     string             `json:"persona_name"`
	ChannelAddress  string             `json:"channel_address"`
	ChannelInstance string             `json:"channel_instance"`
	DepthTier       DepthTier          `json:"depth_tier"`
	Status          ConversationStatus `json:"status"`
	Objectives      string             `json:"objectives"`
	Questions       []string           `json:"questions"`
	TimeoutMinutes  int                `json:"timeout_minutes"`
	State           ConversationState  `json:"metadata"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (c *Conversation) IsChatting() bool {
	return c.Status == ConversationStatusChatting
}

// LastActivity falls back to the start, then creation time, for conversations that have not
// exchanged a message yet.
func (c *Conversation) LastActivity() time.Time {
	switch {
	case c.LastActivityAt != nil:
		return *c.LastActivityAt
	case c.StartedAt != nil:
		return *c.StartedAt
	default:
		return c.CreatedAt
	}
}

// Touch records activity at t.
func (c *Conversation) Touch(t time.Time) {
	c.LastActivityAt = &t
}

// Finish moves the conversation into processing, handing it to the scoring collaborator.
func (c *Conversation) Finish(t time.Time) {
	c.Status = ConversationStatusProcessing
	c.CompletedAt = &t
	c.State.ClearSchedule()
}
