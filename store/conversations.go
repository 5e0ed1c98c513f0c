package store

import (
	"context"
	"database/sql"

	"chatserver/types"
)

// CanonicalPair orders two participant ids so the stored pair is unique
// regardless of which side initiated the conversation.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (s *Store) CreateConversation(ctx context.Context, c types.Conversation) error {
	a, b := CanonicalPair(c.ParticipantA, c.ParticipantB)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b) VALUES (?, ?, ?)`,
		c.ID, a, b,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetConversationByPair(ctx context.Context, userA, userB string) (types.Conversation, error) {
	a, b := CanonicalPair(userA, userB)
	var c types.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b FROM conversations
		 WHERE participant_a = ? AND participant_b = ?`, a, b,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (s *Store) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	var c types.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (s *Store) ListConversationsFor(ctx context.Context, userID string) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_a, participant_b FROM conversations
		 WHERE participant_a = ? OR participant_b = ?`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		var c types.Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
