package dto

type ChannelWebhookRequest struct {
	Instance string `json:"instance"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	FromMe   bool   `json:"from_me"`
}

type ChannelWebhookResponse struct {
	Accepted        bool   `json:"accepted"`
	ConversationID  int64  `json:"conversation_id,omitempty"`
	MessageID       int64  `json:"message_id,omitempty"`
	InstanceChanged bool   `json:"instance_changed,omitempty"`
	Reason          string `json:"reason,omitempty"`
}
