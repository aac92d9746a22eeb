package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openlearn/offline_manager/internal/course"
	"github.com/openlearn/offline_manager/internal/storage"
)

const (
	downloadedKey = "downloadedCourses"
	queueKey      = "downloadQueue"
)

// LibraryRepository stores the downloaded list and download queue as two
// JSON records in SQLite.
type LibraryRepository struct {
	db *sql.DB
}

func NewLibraryRepository(dbConn *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: dbConn}
}

func (r *LibraryRepository) LoadLibrary() (*storage.Library, error) {
	lib := &storage.Library{}

	if err := r.loadRecord(downloadedKey, &lib.Downloaded); err != nil {
		return nil, fmt.Errorf("failed to load downloaded courses: %w", err)
	}

	if err := r.loadRecord(queueKey, &lib.Queue); err != nil {
		return nil, fmt.Errorf("failed to load download queue: %w", err)
	}

	return lib, nil
}

func (r *LibraryRepository) SaveDownloaded(entries []course.DownloadEntry) error {
	if entries == nil {
		entries = []course.DownloadEntry{}
	}

	return r.saveRecord(downloadedKey, entries)
}

func (r *LibraryRepository) SaveQueue(entries []course.QueueEntry) error {
	if entries == nil {
		entries = []course.QueueEntry{}
	}

	return r.saveRecord(queueKey, entries)
}

func (r *LibraryRepository) loadRecord(key string, target any) error {
	var payload string

	err := r.db.QueryRow(`SELECT payload FROM library_state WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}

	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(payload), target)
}

func (r *LibraryRepository) saveRecord(key string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}

	_, err = r.db.Exec(`
		INSERT INTO library_state (key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, key, string(payload), time.Now().Format(time.RFC3339))

	return err
}
