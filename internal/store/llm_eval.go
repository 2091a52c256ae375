package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"parley.app/dialog/core/db"
	"parley.app/dialog/internal/model"
)

type llmEvalStore struct {
	q db.Querier
}

func newLLMEvalStore(q db.Querier) LLMEvalStore {
	return &llmEvalStore{q: q}
}

const llmEvalColumns = `id, conversation_id, stage, input_text, output_json, model, temperature,
	prompt_version, latency_ms, prompt_tokens, completion_tokens, created_at`

func (s *llmEvalStore) Create(ctx context.Context, eval *model.LLMEval) (*model.LLMEval, error) {
	var latencyMs, promptTokens, completionTokens *int32
	if eval.LatencyMs != nil {
		v := int32(*eval.LatencyMs)
		latencyMs = &v
	}
	if eval.PromptTokens != nil {
		v := int32(*eval.PromptTokens)
		promptTokens = &v
	}
	if eval.CompletionTokens != nil {
		v := int32(*eval.CompletionTokens)
		completionTokens = &v
	}

	var output []byte
	if len(eval.OutputJSON) > 0 {
		output = eval.OutputJSON
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO llm_evals (id, conversation_id, stage, input_text, output_json, model, temperature,
			prompt_version, latency_ms, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+llmEvalColumns,
		eval.ID, eval.ConversationID, eval.Stage, eval.InputText, output, eval.Model, eval.Temperature,
		eval.PromptVersion, latencyMs, promptTokens, completionTokens)
	return scanLLMEval(row)
}

func (s *llmEvalStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.LLMEval, error) {
	rows, err := s.q.Query(ctx, `SELECT `+llmEvalColumns+` FROM llm_evals WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.LLMEval
	for rows.Next() {
		eval, err := scanLLMEval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *eval)
	}
	return result, rows.Err()
}

func scanLLMEval(row pgx.Row) (*model.LLMEval, error) {
	var (
		eval                                   model.LLMEval
		output                                 []byte
		latencyMs, promptTokens, completionTok *int32
	)
	if err := row.Scan(&eval.ID, &eval.ConversationID, &eval.Stage, &eval.InputText, &output, &eval.Model,
		&eval.Temperature, &eval.PromptVersion, &latencyMs, &promptTokens, &completionTok, &eval.CreatedAt); err != nil {
		return nil, err
	}
	eval.OutputJSON = output
	eval.LatencyMs = int32ToIntPtr(latencyMs)
	eval.PromptTokens = int32ToIntPtr(promptTokens)
	eval.CompletionTokens = int32ToIntPtr(completionTok)
	return &eval, nil
}

func int32ToIntPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
