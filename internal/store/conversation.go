package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"parley.app/dialog/core/db"
	"parley.app/dialog/internal/model"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(q db.Querier) error) error
}

type conversationStore struct {
	q  db.Querier
	tx txRunner
}

func newConversationStore(q db.Querier, tx txRunner) ConversationStore {
	return &conversationStore{q: q, tx: tx}
}

const conversationColumns = `id, persona_name, channel_address, channel_instance, depth_tier, status,
	objectives, questions, timeout_minutes, metadata, created_at, started_at, last_activity_at,
	completed_at, updated_at`

func (s *conversationStore) Create(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	questions, err := json.Marshal(nonNilStrings(conv.Questions))
	if err != nil {
		return nil, fmt.Errorf("marshal questions: %w", err)
	}
	state, err := json.Marshal(conv.State)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO conversations (id, persona_name, channel_address, channel_instance, depth_tier, status,
			objectives, questions, timeout_minutes, metadata, created_at, started_at, last_activity_at,
			completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		RETURNING `+conversationColumns,
		conv.ID, conv.PersonaName, conv.ChannelAddress, conv.ChannelInstance, string(conv.DepthTier),
		string(conv.Status), conv.Objectives, questions, conv.TimeoutMinutes, state, createdAt,
		conv.StartedAt, conv.LastActivityAt, conv.CompletedAt)
	return scanConversation(row)
}

func (s *conversationStore) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	row := s.q.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

func (s *conversationStore) ListByIDs(ctx context.Context, ids []int64) ([]model.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *conversationStore) ListChattingByAddresses(ctx context.Context, addresses []string) ([]model.Conversation, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = $1 AND channel_address = ANY($2)
		ORDER BY COALESCE(last_activity_at, started_at, created_at) DESC, id DESC`,
		string(model.ConversationStatusChatting), addresses)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *conversationStore) ListFollowUpsDue(ctx context.Context, before time.Time, limit int) ([]model.Conversation, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = $1
		  AND COALESCE((metadata ->> 'next_follow_up_at')::timestamptz,
		               last_activity_at, started_at, created_at) <= $2
		ORDER BY id
		LIMIT NULLIF($3, 0)`,
		string(model.ConversationStatusChatting), before, limit)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *conversationStore) UpdateState(ctx context.Context, id int64, fn func(conv *model.Conversation) error) (*model.Conversation, error) {
	var updated *model.Conversation
	err := s.tx.WithTx(ctx, func(q db.Querier) error {
		row := q.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
		conv, err := scanConversation(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("loading conversation for update: %w", err)
		}

		if err := fn(conv); err != nil {
			return err
		}

		state, err := json.Marshal(conv.State)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		row = q.QueryRow(ctx, `
			UPDATE conversations
			SET status = $2, metadata = $3, last_activity_at = $4, completed_at = $5,
			    channel_instance = $6, updated_at = now()
			WHERE id = $1
			RETURNING `+conversationColumns,
			id, string(conv.Status), state, conv.LastActivityAt, conv.CompletedAt, conv.ChannelInstance)
		updated, err = scanConversation(row)
		if err != nil {
			return fmt.Errorf("writing conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func collectConversations(rows pgx.Rows) ([]model.Conversation, error) {
	defer rows.Close()
	var result []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		conv      model.Conversation
		tier      string
		status    string
		questions []byte
		state     []byte
	)
	if err := row.Scan(
		&conv.ID, &conv.PersonaName, &conv.ChannelAddress, &conv.ChannelInstance, &tier, &status,
		&conv.Objectives, &questions, &conv.TimeoutMinutes, &state, &conv.CreatedAt, &conv.StartedAt,
		&conv.LastActivityAt, &conv.CompletedAt, &conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conv.DepthTier = model.DepthTier(tier)
	conv.Status = model.ConversationStatus(status)

	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &conv.Questions); err != nil {
			return nil, fmt.Errorf("unmarshal questions: %w", err)
		}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &conv.State); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
