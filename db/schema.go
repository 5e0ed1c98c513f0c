package db

import (
	"database/sql"
	"fmt"

	"chatserver/types"
)

// EnsureSchema creates all tables and seeds the default roles. Safe to run
// on every startup.
func EnsureSchema(conn *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			capabilities INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			role_id INTEGER NOT NULL REFERENCES roles(id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			token_family_id TEXT NOT NULL,
			interface_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_family ON sessions(token_family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			token_hash TEXT NOT NULL UNIQUE,
			expires_at TIMESTAMP NOT NULL,
			rotated_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_family ON refresh_tokens(family_id)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			is_private INTEGER NOT NULL DEFAULT 0,
			max_members INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS channel_members (
			channel_id TEXT NOT NULL REFERENCES channels(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL DEFAULT 'member',
			muted INTEGER NOT NULL DEFAULT 0,
			UNIQUE(channel_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL REFERENCES users(id),
			participant_b TEXT NOT NULL REFERENCES users(id),
			UNIQUE(participant_a, participant_b)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id),
			channel_id TEXT REFERENCES channels(id),
			conversation_id TEXT REFERENCES conversations(id),
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			created_at TIMESTAMP NOT NULL,
			edited_at TIMESTAMP,
			deleted INTEGER NOT NULL DEFAULT 0,
			client_msg_id TEXT,
			CHECK ((channel_id IS NULL) != (conversation_id IS NULL))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_msg
			ON messages(sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL AND client_msg_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`,
	}

	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema exec failed: %w", err)
		}
	}

	return seedRoles(conn)
}

var defaultRoles = []struct {
	name string
	caps types.Capability
}{
	{"admin", types.CapCreateChannels | types.CapDeleteChannels | types.CapModifyChannels |
		types.CapBanUsers | types.CapDeleteMessages | types.CapManageUsers},
	{"moderator", types.CapCreateChannels | types.CapModifyChannels |
		types.CapBanUsers | types.CapDeleteMessages},
	{"user", types.CapCreateChannels},
}

func seedRoles(conn *sql.DB) error {
	for _, r := range defaultRoles {
		_, err := conn.Exec(
			`INSERT INTO roles (name, capabilities) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET capabilities = excluded.capabilities`,
			r.name, int(r.caps),
		)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", r.name, err)
		}
	}
	return nil
}
