package model

import "time"

type (
	Direction string
	NudgeType string
)

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const (
	NudgeTypeGentle       NudgeType = "gentle"
	NudgeTypeModerate     NudgeType = "moderate"
	NudgeTypeDirect       NudgeType = "direct"
	NudgeTypeReactivation NudgeType = "reactivation"
)

// MessageMeta is the typed form of the message metadata column.
// Processed only ever moves from false to true.
type MessageMeta struct {
	Processed      bool       `json:"processed"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	IsNudge        bool       `json:"is_nudge,omitempty"`
	NudgeType      NudgeType  `json:"nudge_type,omitempty"`
	NextResponseAt *time.Time `json:"next_response_at,omitempty"`
	Order          *int       `json:"order,omitempty"`
}

type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Direction      Direction   `json:"direction"`
	Content        string      `json:"content"`
	Meta           MessageMeta `json:"metadata"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (m *Message) IsInbound() bool {
	return m.Direction == DirectionInbound
}

func (m *Message) IsUnprocessedInbound() bool {
	return m.Direction == DirectionInbound && !m.Meta.Processed
}

// IsPlannedStep reports whether an outbound message advanced the planned question sequence,
// as opposed to a nudge or reactivation.
func (m *Message) IsPlannedStep() bool {
	return m.Direction == DirectionOutbound && !m.Meta.IsNudge
}
