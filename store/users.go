package store

import (
	"context"
	"database/sql"

	"chatserver/types"
)

func (s *Store) CreateUser(ctx context.Context, u types.UserData, passwordHash string) error {
	active := 0
	if u.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, active, role_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, passwordHash, active, u.RoleID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (types.UserData, error) {
	var u types.UserData
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, active, role_id FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &active, &u.RoleID)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active == 1
	return u, err
}

// GetUserByUsername also returns the stored password hash for credential checks.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (types.UserData, string, error) {
	var u types.UserData
	var hash string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, active, role_id
		 FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &hash, &active, &u.RoleID)
	if err == sql.ErrNoRows {
		return u, "", ErrNotFound
	}
	u.Active = active == 1
	return u, hash, err
}

func (s *Store) GetRole(ctx context.Context, id int) (types.Role, error) {
	var r types.Role
	var caps int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, capabilities FROM roles WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &caps)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	r.Capabilities = types.Capability(caps)
	return r, err
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (types.Role, error) {
	var r types.Role
	var caps int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, capabilities FROM roles WHERE name = ?`, name,
	).Scan(&r.ID, &r.Name, &caps)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	r.Capabilities = types.Capability(caps)
	return r, err
}
