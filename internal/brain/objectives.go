package brain

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"parley.app/dialog/common/id"
	"parley.app/dialog/common/llm"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/store"
)

type ObjectiveVerdict struct {
	Achieved   bool   `json:"achieved" jsonschema_description:"Whether the objective was achieved in the transcript"`
	Confidence int    `json:"confidence" jsonschema:"minimum=0,maximum=100" jsonschema_description:"Confidence 0-100"`
	Evidence   string `json:"evidence" jsonschema_description:"Supporting transcript excerpt, empty when none"`
}

var objectiveSchema = llm.GenerateSchema[ObjectiveVerdict]()

const objectivesPromptVersion = "v1"

// Tracker classifies each objective against the transcript with one structured call per
// objective.
type Tracker struct {
	llm   llm.Client
	evals store.LLMEvalStore
	Now   func() time.Time
}

func NewTracker(client llm.Client, evals store.LLMEvalStore) *Tracker {
	return &Tracker{
		llm:   client,
		evals: evals,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// SplitObjectives breaks the objectives text on newlines, commas and semicolons. Text with no
// separators is a single objective; blank input yields none. Leading bullet markers are dropped.
func SplitObjectives(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(p), "-*•"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate never fails as a whole: an objective whose call fails is recorded as not achieved
// with zero confidence.
func (t *Tracker) Evaluate(ctx context.Context, conversationID int64, objectives string, transcript string) model.Progress {
	items := SplitObjectives(objectives)
	statuses := make([]model.ObjectiveStatus, 0, len(items))

	for _, objective := range items {
		statuses = append(statuses, t.evaluateOne(ctx, conversationID, objective, transcript))
	}

	progress := model.NewProgress(statuses, t.Now())
	slog.InfoContext(ctx, "objectives evaluated",
		"total", progress.TotalObjectives,
		"achieved", progress.AchievedObjectives,
		"percentage", progress.Percentage)
	return progress
}

func (t *Tracker) evaluateOne(ctx context.Context, conversationID int64, objective, transcript string) model.ObjectiveStatus {
	status := model.ObjectiveStatus{Objective: objective}
	if t.llm == nil {
		return status
	}

	prompt := buildObjectivePrompt(objective, transcript)
	var verdict ObjectiveVerdict
	start := time.Now()
	resp, err := t.llm.Chat(ctx, llm.Request{
		SystemPrompt: objectiveSystemPrompt,
		UserPrompt:   prompt,
		SchemaName:   "objective_verdict",
		Schema:       objectiveSchema,
		MaxTokens:    300,
		Temperature:  llm.Temp(0),
	}, &verdict)
	if err != nil {
		slog.WarnContext(ctx, "objective classification failed, recording as not achieved",
			"objective", objective,
			"error_class", llm.Classify(err),
			"error", err)
		return status
	}

	status.Achieved = verdict.Achieved
	status.Confidence = clampConfidence(verdict.Confidence)
	if ev := strings.TrimSpace(verdict.Evidence); ev != "" {
		status.Evidence = &ev
	}

	t.logEval(ctx, conversationID, prompt, verdict, time.Since(start), resp)
	return status
}

func (t *Tracker) logEval(ctx context.Context, conversationID int64, prompt string, verdict ObjectiveVerdict, latency time.Duration, resp *llm.Response) {
	if t.evals == nil {
		return
	}

	outputJSON, err := json.Marshal(verdict)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal objective verdict for eval", "error", err)
		return
	}

	eval := &model.LLMEval{
		ID:             id.New(),
		ConversationID: &conversationID,
		Stage:          "objective",
		InputText:      prompt,
		OutputJSON:     outputJSON,
		Model:          t.llm.Model(),
		Temperature:    floatPtr(0),
		PromptVersion:  stringPtr(objectivesPromptVersion),
		LatencyMs:      intPtr(int(latency.Milliseconds())),
	}
	if resp != nil {
		eval.PromptTokens = intPtr(resp.PromptTokens)
		eval.CompletionTokens = intPtr(resp.CompletionTokens)
	}

	if _, err := t.evals.Create(ctx, eval); err != nil {
		slog.ErrorContext(ctx, "failed to log eval", "error", err)
	}
}

func clampConfidence(c int) int {
	return max(0, min(100, c))
}

func floatPtr(f float64) *float64 { return &f }
func stringPtr(s string) *string  { return &s }
func intPtr(i int) *int           { return &i }
