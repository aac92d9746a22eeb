package storage

import "github.com/openlearn/offline_manager/internal/course"

// Library holds the two persisted records: the downloaded-course list and
// the pending download queue.
type Library struct {
	Downloaded []course.DownloadEntry
	Queue      []course.QueueEntry
}

// LibraryRepository persists the library records. The queue manager is the
// single writer; every mutation rewrites the full record.
type LibraryRepository interface {
	LoadLibrary() (*Library, error)
	SaveDownloaded(entries []course.DownloadEntry) error
	SaveQueue(entries []course.QueueEntry) error
}
