package store

import (
	"database/sql"
	"errors"
	"strings"
)

// Store is the durable system of record for users, sessions, channels,
// conversations and messages. Every component that needs persistence holds
// one of these; nothing reaches for a package-level handle.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned on a unique constraint violation.
var ErrDuplicate = errors.New("store: duplicate")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
