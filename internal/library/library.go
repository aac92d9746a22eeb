// Package library owns the offline course library: the downloaded-course
// list, the pending download queue, the single in-flight materialization
// and the expiry sweep.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openlearn/offline_manager/internal/course"
	"github.com/openlearn/offline_manager/internal/fetch"
	"github.com/openlearn/offline_manager/internal/logctx"
	"github.com/openlearn/offline_manager/internal/storage"
	"github.com/openlearn/offline_manager/internal/telemetry"
)

const (
	dirPerm          = 0o755
	metadataFileName = "course.json"
)

// Fetcher performs one resumable file transfer.
type Fetcher interface {
	DownloadFile(ctx context.Context, url, path string, onProgress fetch.ProgressFunc) error
}

// Entitlements answers whether a profile may download at all.
type Entitlements interface {
	CanDownload(ctx context.Context, userID string) (bool, error)
}

// Encryptor is the post-download encrypt-in-place step. Optional.
type Encryptor interface {
	EncryptFile(ctx context.Context, path string) error
}

// FileProgress is the transient per-file progress exposed to the UI.
type FileProgress struct {
	Progress float64 `json:"progress"`
	CourseID string  `json:"course_id"`
}

// Config tunes the manager.
type Config struct {
	DataDir string

	// RequiredSpace is the estimated space one course download needs;
	// SpaceMargin is the additional safety margin. Both checked before
	// enqueueing.
	RequiredSpace uint64
	SpaceMargin   uint64

	// SweepInterval is how often expired courses are evicted while the
	// process is alive.
	SweepInterval time.Duration
}

// Manager serializes course downloads and is the single writer of the
// persisted library records.
type Manager struct {
	repo         storage.LibraryRepository
	fetcher      Fetcher
	entitlements Entitlements
	encryptor    Encryptor
	tel          *telemetry.Telemetry
	cfg          Config

	freeSpace func(path string) (uint64, error)
	now       func() time.Time

	mu         sync.Mutex
	downloaded []course.DownloadEntry
	queue      []course.QueueEntry
	current    *course.QueueEntry
	progress   map[string]FileProgress

	kick chan struct{}

	OnCourseDownloaded    chan *course.DownloadEntry
	OnCourseDownloadError chan *course.QueueEntry
}

func NewManager(repo storage.LibraryRepository, fetcher Fetcher, entitlements Entitlements, encryptor Encryptor, tel *telemetry.Telemetry, cfg Config) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}

	return &Manager{
		repo:         repo,
		fetcher:      fetcher,
		entitlements: entitlements,
		encryptor:    encryptor,
		tel:          tel,
		cfg:          cfg,
		freeSpace:    freeSpace,
		now:          time.Now,
		progress:     make(map[string]FileProgress),
		kick:         make(chan struct{}, 1),

		OnCourseDownloaded:    make(chan *course.DownloadEntry, 8),
		OnCourseDownloadError: make(chan *course.QueueEntry, 8),
	}
}

// Load restores the persisted library and runs an initial expiry sweep.
func (m *Manager) Load(ctx context.Context) error {
	lib, err := m.repo.LoadLibrary()
	if err != nil {
		return fmt.Errorf("failed to load library: %w", err)
	}

	m.mu.Lock()
	m.downloaded = lib.Downloaded
	m.queue = lib.Queue
	m.mu.Unlock()

	m.SweepExpired(ctx)

	return nil
}

// Run drives the drain loop and the periodic expiry sweep until the context
// is cancelled. At most one course materialization is in flight at any time.
func (m *Manager) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("library drain loop panic", "panic", r, "stack", string(debug.Stack()))

				if ctx.Err() == nil {
					time.Sleep(time.Second)
					m.Run(ctx)
				}
			}
		}()

		sweepTicker := time.NewTicker(m.cfg.SweepInterval)
		defer sweepTicker.Stop()

		m.requestDrain()

		for {
			select {
			case <-ctx.Done():
				logger.Info("library drain loop shutting down")

				return
			case <-sweepTicker.C:
				m.SweepExpired(ctx)
			case <-m.kick:
				m.drain(ctx)
			}
		}
	}()
}

// DownloadCourse checks preconditions in order and enqueues the course. The
// boolean reports whether the course was enqueued; a non-nil error carries
// the user-facing rejection reason. A duplicate tap while the course is
// queued, in flight or downloaded is a silent no-op: (false, nil).
func (m *Manager) DownloadCourse(ctx context.Context, c *course.Course, userID string) (bool, error) {
	allowed, err := m.entitlements.CanDownload(ctx, userID)
	if err != nil || !allowed {
		return false, &course.EntitlementError{UserID: userID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.downloaded {
		if m.downloaded[i].ID == c.ID {
			return false, &course.AlreadyDownloadedError{CourseID: c.ID}
		}
	}

	if m.current != nil && m.current.ID == c.ID {
		return false, nil
	}

	for i := range m.queue {
		if m.queue[i].ID == c.ID {
			return false, nil
		}
	}

	required := m.cfg.RequiredSpace + m.cfg.SpaceMargin

	free, err := m.freeSpace(m.cfg.DataDir)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to probe free space", "err", err)
	} else if free < required {
		logctx.LoggerFromContext(ctx).Warn("rejecting download for lack of space",
			"course_id", c.ID,
			"required", humanize.Bytes(required),
			"free", humanize.Bytes(free),
		)

		return false, &course.StorageError{RequiredBytes: required, FreeBytes: free}
	}

	now := m.now()
	entry := course.QueueEntry{
		Course:             *c,
		DownloadedByUserID: userID,
		QueuedAt:           now,
		ExpiresAt:          now.Add(course.RetentionPeriod),
	}

	next := append(append([]course.QueueEntry{}, m.queue...), entry)
	if err := m.repo.SaveQueue(next); err != nil {
		// Persist-then-reflect: the in-memory queue is left untouched so
		// it never diverges from the store.
		logctx.LoggerFromContext(ctx).Error("failed to persist queue", "course_id", c.ID, "err", err)

		return false, nil
	}

	m.queue = next
	m.tel.RecordQueueDepth(int64(len(next)))

	m.requestDrain()

	return true, nil
}

// DeleteCourse removes the course directory and its library entry. Absence
// of the directory is not an error. Failures are logged, not returned.
func (m *Manager) DeleteCourse(ctx context.Context, entry *course.DownloadEntry) bool {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.RemoveAll(m.courseDir(entry.ID)); err != nil {
		logger.Error("failed to remove course directory", "course_id", entry.ID, "err", err)

		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]course.DownloadEntry, 0, len(m.downloaded))
	for i := range m.downloaded {
		if m.downloaded[i].ID != entry.ID {
			next = append(next, m.downloaded[i])
		}
	}

	if err := m.repo.SaveDownloaded(next); err != nil {
		logger.Error("failed to persist downloaded list", "course_id", entry.ID, "err", err)

		return false
	}

	m.downloaded = next

	return true
}

// IsCourseDownloaded reports whether the course is in the active profile's
// downloaded library.
func (m *Manager) IsCourseDownloaded(id, userID string) bool {
	_, ok := m.GetCourseDownloadInfo(id, userID)

	return ok
}

// GetCourseDownloadInfo returns the downloaded entry for the course id,
// scoped to the active profile.
func (m *Manager) GetCourseDownloadInfo(id, userID string) (course.DownloadEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.downloaded {
		if m.downloaded[i].ID == id && m.downloaded[i].VisibleTo(userID) {
			return m.downloaded[i], true
		}
	}

	return course.DownloadEntry{}, false
}

// GetCourseBySlug returns the downloaded entry for the slug, scoped to the
// active profile.
func (m *Manager) GetCourseBySlug(slug, userID string) (course.DownloadEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.downloaded {
		if m.downloaded[i].Slug == slug && m.downloaded[i].VisibleTo(userID) {
			return m.downloaded[i], true
		}
	}

	return course.DownloadEntry{}, false
}

// Downloaded returns the active profile's downloaded courses.
func (m *Manager) Downloaded(userID string) []course.DownloadEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	visible := make([]course.DownloadEntry, 0, len(m.downloaded))
	for i := range m.downloaded {
		if m.downloaded[i].VisibleTo(userID) {
			visible = append(visible, m.downloaded[i])
		}
	}

	return visible
}

// Queue returns a snapshot of the pending download queue.
func (m *Manager) Queue() []course.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]course.QueueEntry{}, m.queue...)
}

// Current returns the in-flight download, or nil.
func (m *Manager) Current() *course.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	cp := *m.current

	return &cp
}

// Progress returns a snapshot of the transient per-file progress map.
func (m *Manager) Progress() map[string]FileProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]FileProgress, len(m.progress))
	for k, v := range m.progress {
		snapshot[k] = v
	}

	return snapshot
}

// DaysRemaining returns the whole days before expiresAt, never negative.
func (m *Manager) DaysRemaining(expiresAt time.Time) int {
	return course.DaysRemaining(expiresAt, m.now())
}

// SweepExpired deletes every downloaded course past its expiry and rewrites
// the persisted list without them.
func (m *Manager) SweepExpired(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]course.DownloadEntry, 0, len(m.downloaded))

	var expired []course.DownloadEntry

	for i := range m.downloaded {
		if m.downloaded[i].ExpiresAt.Before(now) {
			expired = append(expired, m.downloaded[i])
		} else {
			kept = append(kept, m.downloaded[i])
		}
	}

	if len(expired) == 0 {
		return
	}

	for i := range expired {
		if err := os.RemoveAll(m.courseDir(expired[i].ID)); err != nil {
			logger.Error("failed to remove expired course directory", "course_id", expired[i].ID, "err", err)
		}

		logger.Info("evicted expired course", "course_id", expired[i].ID, "expired_at", expired[i].ExpiresAt)
	}

	if err := m.repo.SaveDownloaded(kept); err != nil {
		logger.Error("failed to persist downloaded list after sweep", "err", err)

		return
	}

	m.downloaded = kept
	m.tel.RecordCourseExpired(int64(len(expired)))
}

// requestDrain nudges the drain loop without blocking.
func (m *Manager) requestDrain() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// drain dequeues and materializes courses until the queue is empty. Only
// ever called from the Run goroutine, so at most one course is in flight.
func (m *Manager) drain(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()

		if len(m.queue) == 0 {
			m.mu.Unlock()

			return
		}

		head := m.queue[0]
		rest := append([]course.QueueEntry{}, m.queue[1:]...)

		if err := m.repo.SaveQueue(rest); err != nil {
			m.mu.Unlock()
			logger.Error("failed to persist shortened queue", "course_id", head.ID, "err", err)

			return
		}

		m.queue = rest
		m.current = &head
		m.mu.Unlock()

		m.tel.RecordQueueDepth(int64(len(rest)))

		var entry *course.DownloadEntry

		err := m.tel.InstrumentCourseDownload(ctx, func(ctx context.Context) error {
			var downloadErr error
			entry, downloadErr = m.downloadCourseFiles(ctx, &head)

			return downloadErr
		})

		m.mu.Lock()
		m.current = nil
		m.progress = make(map[string]FileProgress)
		m.mu.Unlock()

		if err != nil {
			logger.Error("course download failed", "course_id", head.ID, "err", err)

			select {
			case m.OnCourseDownloadError <- &head:
			default:
			}

			continue
		}

		if entry == nil {
			// No playable assets resolved; skipped silently.
			logger.Debug("course resolved no playable assets", "course_id", head.ID)

			continue
		}

		logger.Info("course download finished", "course_id", entry.ID, "course_name", entry.Name)

		select {
		case m.OnCourseDownloaded <- entry:
		default:
		}
	}
}

// downloadCourseFiles materializes one course: directory, metadata
// snapshot, then every manifest source in order. Any transfer failure
// aborts the whole course and removes the partial directory, so a partial
// DownloadEntry is never persisted.
func (m *Manager) downloadCourseFiles(ctx context.Context, qe *course.QueueEntry) (*course.DownloadEntry, error) {
	manifest := course.ResolveManifest(&qe.Course)
	if len(manifest) == 0 {
		return nil, nil
	}

	dir := m.courseDir(qe.ID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create course directory: %w", err)
	}

	if err := m.writeMetadataSnapshot(dir, &qe.Course); err != nil {
		return nil, err
	}

	records := make([]course.FileRecord, 0, len(manifest))

	for i := range manifest {
		item := manifest[i]
		target := filepath.Join(dir, item.FileName)

		if err := m.downloadFile(ctx, item.URL, target, item.FileName, qe.ID); err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logctx.LoggerFromContext(ctx).Error("failed to clean up aborted course", "course_id", qe.ID, "err", rmErr)
			}

			return nil, &course.TransferError{CourseID: qe.ID, URL: item.URL, Err: err}
		}

		if m.encryptor != nil {
			if err := m.encryptor.EncryptFile(ctx, target); err != nil {
				if rmErr := os.RemoveAll(dir); rmErr != nil {
					logctx.LoggerFromContext(ctx).Error("failed to clean up aborted course", "course_id", qe.ID, "err", rmErr)
				}

				return nil, &course.TransferError{CourseID: qe.ID, URL: item.URL, Err: err}
			}
		}

		records = append(records, item.Record(target))
	}

	now := m.now()
	entry := course.DownloadEntry{
		ID:                 qe.ID,
		Slug:               qe.Slug,
		Name:               qe.Name,
		Image:              qe.Image,
		CourseType:         qe.CourseType,
		DownloadedFiles:    records,
		DownloadedByUserID: qe.DownloadedByUserID,
		DownloadedAt:       now,
		ExpiresAt:          now.Add(course.RetentionPeriod),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := append(append([]course.DownloadEntry{}, m.downloaded...), entry)
	if err := m.repo.SaveDownloaded(next); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logctx.LoggerFromContext(ctx).Error("failed to clean up unrecorded course", "course_id", qe.ID, "err", rmErr)
		}

		return nil, fmt.Errorf("failed to persist downloaded list: %w", err)
	}

	m.downloaded = next

	return &entry, nil
}

// downloadFile delegates to the download engine and mirrors its progress
// into the transient map keyed by file id.
func (m *Manager) downloadFile(ctx context.Context, url, path, fileID, courseID string) error {
	var lastWritten int64

	err := m.fetcher.DownloadFile(ctx, url, path, func(written, total int64) {
		lastWritten = written

		fraction := 0.0
		if total > 0 {
			fraction = float64(written) / float64(total)
		}

		m.mu.Lock()
		m.progress[fileID] = FileProgress{Progress: fraction, CourseID: courseID}
		m.mu.Unlock()
	})
	if err != nil {
		return err
	}

	m.tel.RecordFileDownloaded(lastWritten)

	return nil
}

func (m *Manager) writeMetadataSnapshot(dir string, c *course.Course) error {
	snapshot, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal course metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, metadataFileName), snapshot, 0o644); err != nil {
		return fmt.Errorf("failed to write course metadata: %w", err)
	}

	return nil
}

func (m *Manager) courseDir(courseID string) string {
	return filepath.Join(m.cfg.DataDir, courseID)
}
