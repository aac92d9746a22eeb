package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the state tables if they
// don't exist. library_state holds the two JSON library records; vault
// holds the encryption key.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS library_state (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS vault (
		name TEXT PRIMARY KEY,
		key_hex TEXT NOT NULL,
		created_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
