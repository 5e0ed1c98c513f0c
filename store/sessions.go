package store

import (
	"context"
	"database/sql"
	"time"

	"chatserver/types"
)

func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token_family_id, interface_type, created_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, sess.UserID, sess.TokenFamilyID, sess.InterfaceType,
		sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(),
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	var sess types.Session
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_family_id, interface_type, created_at, expires_at, revoked
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenFamilyID, &sess.InterfaceType,
		&sess.CreatedAt, &sess.ExpiresAt, &revoked)
	if err == sql.ErrNoRows {
		return sess, ErrNotFound
	}
	sess.Revoked = revoked == 1
	return sess, err
}

func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND revoked = 0`,
		expiresAt.UTC(), id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, id)
	return err
}

// RevokeUserSessions revokes every session belonging to the user and returns
// the ids that were still unrevoked, so live connections can be torn down.
func (s *Store) RevokeUserSessions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE user_id = ?`, userID)
	return ids, err
}

type RefreshToken struct {
	ID        string
	FamilyID  string
	SessionID string
	TokenHash string
	ExpiresAt time.Time
	RotatedAt *time.Time
}

func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, family_id, session_id, token_hash, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.FamilyID, t.SessionID, t.TokenHash, t.ExpiresAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	var t RefreshToken
	var rotated sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, family_id, session_id, token_hash, expires_at, rotated_at
		 FROM refresh_tokens WHERE token_hash = ?`, hash,
	).Scan(&t.ID, &t.FamilyID, &t.SessionID, &t.TokenHash, &t.ExpiresAt, &rotated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if rotated.Valid {
		rt := rotated.Time
		t.RotatedAt = &rt
	}
	return t, err
}

// MarkRefreshRotated claims the token for rotation. It returns false when the
// token was already rotated, which the authority treats as reuse.
func (s *Store) MarkRefreshRotated(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = ? WHERE id = ? AND rotated_at IS NULL`,
		now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) RevokeFamilyTokens(ctx context.Context, familyID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = ? WHERE family_id = ? AND rotated_at IS NULL`,
		now.UTC(), familyID)
	return err
}
