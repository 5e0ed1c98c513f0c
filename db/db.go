package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the sqlite database and verifies foreign key enforcement is
// actually on; silently-off foreign keys would let membership rows outlive
// their channel.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	var enabled int
	if err := conn.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error checking foreign keys: %v", err)
	}
	if enabled != 1 {
		conn.Close()
		return nil, fmt.Errorf("foreign keys are not enabled")
	}

	return conn, nil
}

func Close(conn *sql.DB) {
	if conn != nil {
		conn.Close()
	}
}
