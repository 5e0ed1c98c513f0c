package store

import (
	"context"
	"database/sql"

	"chatserver/types"
)

func (s *Store) CreateChannel(ctx context.Context, ch types.Channel) error {
	private := 0
	if ch.IsPrivate {
		private = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, is_private, max_members, archived)
		 VALUES (?, ?, ?, ?, 0)`,
		ch.ID, ch.Name, private, ch.MaxMembers,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanChannel(row *sql.Row) (types.Channel, error) {
	var ch types.Channel
	var private, archived int
	err := row.Scan(&ch.ID, &ch.Name, &private, &ch.MaxMembers, &archived)
	if err == sql.ErrNoRows {
		return ch, ErrNotFound
	}
	ch.IsPrivate = private == 1
	ch.Archived = archived == 1
	return ch, err
}

func (s *Store) GetChannel(ctx context.Context, id string) (types.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private, max_members, archived FROM channels WHERE id = ?`, id))
}

func (s *Store) GetChannelByName(ctx context.Context, name string) (types.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private, max_members, archived FROM channels WHERE name = ?`, name))
}

func (s *Store) ListChannels(ctx context.Context) ([]types.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_private, max_members, archived FROM channels
		 WHERE archived = 0 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		var ch types.Channel
		var private, archived int
		if err := rows.Scan(&ch.ID, &ch.Name, &private, &ch.MaxMembers, &archived); err != nil {
			return nil, err
		}
		ch.IsPrivate = private == 1
		ch.Archived = archived == 1
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (s *Store) SetChannelArchived(ctx context.Context, id string, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET archived = ? WHERE id = ?`, v, id)
	return err
}

// ErrChannelFull is returned by AddMember when the channel is at capacity.
// The capacity check and the insert are a single statement, so concurrent
// joins cannot overshoot max_members.
var ErrChannelFull = errChannelFull{}

type errChannelFull struct{}

func (errChannelFull) Error() string { return "store: channel full" }

func (s *Store) AddMember(ctx context.Context, channelID, userID, role string, maxMembers int) error {
	// The guard admits existing members so a rejoin of a full channel hits
	// the unique index and reports ErrDuplicate instead of ErrChannelFull.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id, role, muted)
		 SELECT ?, ?, ?, 0
		 WHERE (SELECT COUNT(*) FROM channel_members WHERE channel_id = ?) < ?
		    OR EXISTS (SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)`,
		channelID, userID, role, channelID, maxMembers, channelID, userID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChannelFull
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID)
	return err
}

func (s *Store) GetMembership(ctx context.Context, channelID, userID string) (types.ChannelMembership, error) {
	var m types.ChannelMembership
	var muted int
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, user_id, role, muted FROM channel_members
		 WHERE channel_id = ? AND user_id = ?`, channelID, userID,
	).Scan(&m.ChannelID, &m.UserID, &m.Role, &muted)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Muted = muted == 1
	return m, err
}

func (s *Store) SetMemberMuted(ctx context.Context, channelID, userID string, muted bool) error {
	v := 0
	if muted {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_members SET muted = ? WHERE channel_id = ? AND user_id = ?`,
		v, channelID, userID)
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

func (s *Store) ListMembers(ctx context.Context, channelID string) ([]types.ChannelMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, user_id, role, muted FROM channel_members WHERE channel_id = ?`,
		channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []types.ChannelMembership
	for rows.Next() {
		var m types.ChannelMembership
		var muted int
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.Role, &muted); err != nil {
			return nil, err
		}
		m.Muted = muted == 1
		members = append(members, m)
	}
	return members, rows.Err()
}
