package sqlite

import (
	"context"
	"database/sql"

	"github.com/openlearn/offline_manager/internal/course"
	"github.com/openlearn/offline_manager/internal/storage"
	"github.com/openlearn/offline_manager/internal/telemetry"
)

// InstrumentedLibraryRepository wraps LibraryRepository with telemetry.
type InstrumentedLibraryRepository struct {
	repo      *LibraryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedLibraryRepository creates a new instrumented library repository.
func NewInstrumentedLibraryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedLibraryRepository {
	return &InstrumentedLibraryRepository{
		repo:      NewLibraryRepository(dbConn),
		telemetry: tel,
	}
}

// LoadLibrary loads both library records with telemetry.
func (r *InstrumentedLibraryRepository) LoadLibrary() (*storage.Library, error) {
	var result *storage.Library

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "load_library", func(ctx context.Context) error {
		result, err = r.repo.LoadLibrary()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// SaveDownloaded rewrites the downloaded-course record with telemetry.
func (r *InstrumentedLibraryRepository) SaveDownloaded(entries []course.DownloadEntry) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "save_downloaded", func(ctx context.Context) error {
		return r.repo.SaveDownloaded(entries)
	})
}

// SaveQueue rewrites the download-queue record with telemetry.
func (r *InstrumentedLibraryRepository) SaveQueue(entries []course.QueueEntry) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "save_queue", func(ctx context.Context) error {
		return r.repo.SaveQueue(entries)
	})
}
