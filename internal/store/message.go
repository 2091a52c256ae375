package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"parley.app/dialog/core/db"
	"parley.app/dialog/internal/model"
)

type messageStore struct {
	q db.Querier
}

func newMessageStore(q db.Querier) MessageStore {
	return &messageStore{q: q}
}

const messageColumns = `id, conversation_id, direction, content, metadata, created_at`

func (s *messageStore) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	meta, err := json.Marshal(msg.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, direction, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, string(msg.Direction), msg.Content, meta, createdAt)
	return scanMessage(row)
}

func (s *messageStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *messageStore) Claim(ctx context.Context, ids []int64, runID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE conversation_messages
		SET metadata = metadata || jsonb_build_object('claimed_by', $2::text, 'claimed_at', $3::timestamptz)
		WHERE id = ANY($1) AND NOT COALESCE((metadata ->> 'processed')::boolean, false)`,
		ids, runID, at)
	return err
}

func (s *messageStore) MarkBatchProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE conversation_messages
		SET metadata = metadata || '{"processed": true}'::jsonb
		WHERE id = ANY($1)`, ids)
	return err
}

func (s *messageStore) SetNextResponseAt(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE conversation_messages
		SET metadata = metadata || jsonb_build_object('next_response_at', $2::timestamptz)
		WHERE id = ANY($1)`, ids, at)
	return err
}

func (s *messageStore) ListOrphans(ctx context.Context, q OrphanQuery) ([]model.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM conversation_messages
		WHERE direction = 'inbound'
		  AND NOT COALESCE((metadata ->> 'processed')::boolean, false)
		  AND (
		    (COALESCE(metadata ->> 'claimed_by', '') = '' AND created_at < $1)
		    OR (metadata ->> 'claimed_at' IS NOT NULL AND (metadata ->> 'claimed_at')::timestamptz < $2)
		  )
		ORDER BY created_at, id
		LIMIT $3`, q.UnclaimedBefore, q.ClaimedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var result []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg       model.Message
		direction string
		meta      []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &direction, &msg.Content, &meta, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Direction = model.Direction(direction)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}
