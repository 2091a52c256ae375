package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley.app/dialog/common/llm"
	"parley.app/dialog/internal/model"
)

const (
	fallbackNudge  = "did you see my message?"
	DefaultBackoff = time.Minute
	adaptMaxTokens = 300
	nudgeMaxTokens = 80
	generationTemp = 0.8
)

// Writer produces outbound text. Generation failures never surface as errors: the caller
// always gets usable text plus the class of the failure that forced a fallback.
type Writer struct {
	llm     llm.Client
	backoff time.Duration
	Now     func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
	backoffClass llm.ErrorClass
}

func NewWriter(client llm.Client, backoff time.Duration) *Writer {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Writer{
		llm:     client,
		backoff: backoff,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Adapt rewrites the planned step so it answers the contact's latest messages. Falls back to
// the step's literal text.
func (w *Writer) Adapt(ctx context.Context, conv *model.Conversation, transcript, grouped, step string) (string, llm.ErrorClass) {
	return w.generate(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(adaptSystemPrompt, personaName(conv)),
		UserPrompt:   buildAdaptPrompt(transcript, grouped, step),
		MaxTokens:    adaptMaxTokens,
		Temperature:  llm.Temp(generationTemp),
	}, step)
}

// Nudge writes a short follow-up in the given tone.
func (w *Writer) Nudge(ctx context.Context, conv *model.Conversation, transcript string, tone model.NudgeType) (string, llm.ErrorClass) {
	return w.generate(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(nudgeSystemPrompt, personaName(conv), tone),
		UserPrompt:   buildNudgePrompt(transcript),
		MaxTokens:    nudgeMaxTokens,
		Temperature:  llm.Temp(generationTemp),
	}, fallbackNudge)
}

func (w *Writer) generate(ctx context.Context, req llm.CompletionRequest, fallback string) (string, llm.ErrorClass) {
	if w.llm == nil {
		return fallback, llm.ErrorClassFatal
	}

	if class, active := w.inBackoff(); active {
		slog.WarnContext(ctx, "generation in backoff, using fallback text", "error_class", class)
		return fallback, class
	}

	out, err := w.llm.Complete(ctx, req)
	if err != nil {
		class := llm.Classify(err)
		if class.Backoff() {
			w.startBackoff(class)
		}
		slog.WarnContext(ctx, "generation failed, using fallback text",
			"error_class", class,
			"error", err)
		return fallback, class
	}
	if out.Text == "" {
		slog.WarnContext(ctx, "generation returned empty text, using fallback text")
		return fallback, llm.ErrorClassFatal
	}
	return out.Text, llm.ErrorClassNone
}

func (w *Writer) inBackoff() (llm.ErrorClass, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Now().Before(w.backoffUntil) {
		return w.backoffClass, true
	}
	return llm.ErrorClassNone, false
}

func (w *Writer) startBackoff(class llm.ErrorClass) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backoffUntil = w.Now().Add(w.backoff)
	w.backoffClass = class
}

func personaName(conv *model.Conversation) string {
	if conv == nil || conv.PersonaName == "" {
		return "a customer"
	}
	return conv.PersonaName
}
