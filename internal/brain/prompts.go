package brain

import (
	"fmt"
	"strings"

	"parley.app/dialog/internal/model"
)

const adaptPromptVersion = "v1"

const adaptSystemPrompt = `You are %s, chatting over WhatsApp with a company representative.
You are a real customer, never reveal that you are automated or following a script.

Write your next message. It must move the conversation toward the planned step below while
reacting naturally to what the other person just said.

## Rules

- One message, plain text, no markdown, no emojis unless the other person uses them
- Keep it short: one to three sentences
- Match the language of the conversation
- Do not repeat a question that was already answered
- Output only the message text`

const nudgeSystemPrompt = `You are %s, chatting over WhatsApp with a company representative who has not
answered your last message yet.

Write a follow-up of about 15 words. Tone: %s.

- gentle: friendly check-in
- moderate: polite but clearly waiting for an answer
- direct: short and to the point, ask if they can still help

Match the language of the conversation. Output only the message text.`

const objectiveSystemPrompt = `You evaluate whether an investigation objective was achieved in a conversation
between a customer (the persona) and a company representative.

An objective is achieved only when the transcript contains clear evidence, usually an answer
from the representative. Confidence is 0-100. Quote the shortest transcript excerpt that
supports your verdict as evidence, or use an empty string when there is none.`

// BuildTranscript renders messages oldest first, one line per message.
func BuildTranscript(persona string, messages []model.Message) string {
	if persona == "" {
		persona = "Persona"
	}
	var sb strings.Builder
	for _, m := range messages {
		speaker := "Contact"
		if m.Direction == model.DirectionOutbound {
			speaker = persona
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), speaker, m.Content)
	}
	return sb.String()
}

func buildAdaptPrompt(transcript, grouped, step string) string {
	var sb strings.Builder
	sb.WriteString("## Conversation so far\n")
	sb.WriteString(transcript)
	sb.WriteString("\n## Their latest messages\n")
	sb.WriteString(grouped)
	sb.WriteString("\n\n## Planned step\n")
	sb.WriteString(step)
	return sb.String()
}

func buildNudgePrompt(transcript string) string {
	return "## Conversation so far\n" + transcript
}

func buildObjectivePrompt(objective, transcript string) string {
	return fmt.Sprintf("## Objective\n%s\n\n## Transcript\n%s", objective, transcript)
}
