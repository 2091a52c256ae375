package brain

import (
	"strings"

	"parley.app/dialog/internal/model"
)

// NextStep returns the planned question to pursue next. Every outbound message that is not a
// nudge or reactivation consumed one step, so the index is their count. ok is false once the
// plan is exhausted.
func NextStep(conv *model.Conversation, messages []model.Message) (step string, index int, ok bool) {
	for i := range messages {
		if messages[i].IsPlannedStep() {
			index++
		}
	}
	if index >= len(conv.Questions) {
		return "", index, false
	}
	return conv.Questions[index], index, true
}

// UnprocessedInbound returns the inbound messages still waiting for a reply, in arrival order.
func UnprocessedInbound(messages []model.Message) []model.Message {
	var out []model.Message
	for _, m := range messages {
		if m.IsUnprocessedInbound() {
			out = append(out, m)
		}
	}
	return out
}

// GroupText joins a batch newline-separated, preserving order.
func GroupText(batch []model.Message) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		if text := strings.TrimSpace(m.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func messageIDs(batch []model.Message) []int64 {
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return ids
}
