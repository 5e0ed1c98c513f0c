package store

import (
	"context"
	"database/sql"
	"time"

	"chatserver/types"
)

const messageColumns = `m.id, m.sender_id, u.username, m.channel_id, m.conversation_id,
	m.content, m.type, m.created_at, m.edited_at, m.deleted, m.client_msg_id`

func scanMessage(scan func(dest ...any) error) (types.Message, error) {
	var m types.Message
	var channelID, conversationID, clientMsgID sql.NullString
	var editedAt sql.NullTime
	var deleted int
	err := scan(&m.ID, &m.SenderID, &m.SenderName, &channelID, &conversationID,
		&m.Content, &m.Type, &m.CreatedAt, &editedAt, &deleted, &clientMsgID)
	if err != nil {
		return m, err
	}
	m.ChannelID = channelID.String
	m.ConversationID = conversationID.String
	m.ClientMsgID = clientMsgID.String
	m.Deleted = deleted == 1
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m types.Message) error {
	var channelID, conversationID, clientMsgID any
	if m.ChannelID != "" {
		channelID = m.ChannelID
	}
	if m.ConversationID != "" {
		conversationID = m.ConversationID
	}
	if m.ClientMsgID != "" {
		clientMsgID = m.ClientMsgID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, channel_id, conversation_id, content, type, created_at, client_msg_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, channelID, conversationID, m.Content, m.Type, m.CreatedAt.UTC(), clientMsgID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// GetMessageByClientID resolves a retried submission to the message the first
// attempt committed.
func (s *Store) GetMessageByClientID(ctx context.Context, senderID, clientMsgID string) (types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.sender_id = ? AND m.client_msg_id = ?`, senderID, clientMsgID)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (s *Store) collectMessages(rows *sql.Rows) ([]types.Message, error) {
	defer rows.Close()
	var msgs []types.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMessagesBefore pages backwards through a room's history. Cursor is a
// message id; empty means start from the newest. Results come back in room
// order, ascending by (created_at, id).
func (s *Store) ListMessagesBefore(ctx context.Context, roomID, beforeID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE (m.channel_id = ? OR m.conversation_id = ?) AND m.deleted = 0`
	args := []any{roomID, roomID}

	if beforeID != "" {
		cursor, err := s.GetMessage(ctx, beforeID)
		if err != nil {
			return nil, err
		}
		query += ` AND (m.created_at, m.id) < (?, ?)`
		args = append(args, cursor.CreatedAt.UTC(), cursor.ID)
	}

	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := s.collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessagesAfter returns the room's messages after the given id in room
// order. Used as the replay fallback when the in-memory ledger window has
// moved past lastSeenID.
func (s *Store) ListMessagesAfter(ctx context.Context, roomID, afterID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE (m.channel_id = ? OR m.conversation_id = ?) AND m.deleted = 0`
	args := []any{roomID, roomID}

	if afterID != "" {
		cursor, err := s.GetMessage(ctx, afterID)
		if err != nil {
			return nil, err
		}
		query += ` AND (m.created_at, m.id) > (?, ?)`
		args = append(args, cursor.CreatedAt.UTC(), cursor.ID)
	}

	query += ` ORDER BY m.created_at, m.id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.collectMessages(rows)
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted = 0`,
		content, editedAt.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkMessageDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
