package store

import (
	"parley.app/dialog/core/db"
)

type Stores struct {
	db *db.DB
}

func NewStores(database *db.DB) *Stores {
	return &Stores{db: database}
}

func (s *Stores) Conversations() ConversationStore {
	return newConversationStore(s.db.Pool(), s.db)
}

func (s *Stores) Messages() MessageStore {
	return newMessageStore(s.db.Pool())
}

func (s *Stores) LLMEvals() LLMEvalStore {
	return newLLMEvalStore(s.db.Pool())
}
