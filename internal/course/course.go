package course

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RetentionPeriod is how long a downloaded course stays playable before
// the expiry sweep evicts it.
const RetentionPeriod = 5 * 24 * time.Hour

// CourseType describes the structure of a course's video content.
type CourseType string

const (
	TypeSingle   CourseType = "single"
	TypeSeries   CourseType = "series"
	TypePlaylist CourseType = "playlist"
)

// FileCategory labels a downloaded file within a course.
type FileCategory string

const (
	FileTrailer  FileCategory = "trailer"
	FileMain     FileCategory = "main"
	FileSeries   FileCategory = "series"
	FilePlaylist FileCategory = "playlist"
)

// Lesson is a single playable unit inside a playlist chapter.
type Lesson struct {
	Title    string `json:"title"`
	VideoURL string `json:"video_url"`
}

// Chapter groups lessons inside a playlist course.
type Chapter struct {
	Title   string   `json:"title"`
	Lessons []Lesson `json:"lessons"`
}

// Episode is a single playable unit inside a series course.
type Episode struct {
	Title    string `json:"title"`
	VideoURL string `json:"video_url"`
}

// Course is the backend metadata a download is resolved from.
type Course struct {
	ID         string     `json:"id"`
	Slug       string     `json:"slug"`
	Name       string     `json:"name"`
	Image      string     `json:"image"`
	CourseType CourseType `json:"course_type"`
	TrailerURL string     `json:"trailer_url,omitempty"`
	VideoURL   string     `json:"video_url,omitempty"`
	Episodes   []Episode  `json:"episodes,omitempty"`
	Chapters   []Chapter  `json:"chapters,omitempty"`
}

// FileRecord describes one file of a downloaded course on disk.
type FileRecord struct {
	Type         FileCategory `json:"type"`
	Index        *int         `json:"index,omitempty"`
	ChapterIndex *int         `json:"chapter_index,omitempty"`
	LessonIndex  *int         `json:"lesson_index,omitempty"`
	OriginalURL  string       `json:"original_url"`
	LocalPath    string       `json:"local_path"`
	Title        string       `json:"title,omitempty"`
}

// DownloadEntry is the persisted record of a fully downloaded course.
type DownloadEntry struct {
	ID                 string       `json:"id"`
	Slug               string       `json:"slug"`
	Name               string       `json:"name"`
	Image              string       `json:"image"`
	CourseType         CourseType   `json:"course_type"`
	DownloadedFiles    []FileRecord `json:"downloaded_files"`
	DownloadedByUserID string       `json:"downloaded_by_user_id,omitempty"`
	DownloadedAt       time.Time    `json:"downloaded_at"`
	ExpiresAt          time.Time    `json:"expires_at"`
}

// VisibleTo reports whether the entry belongs to the given profile's library.
// Entries without an owner tag are legacy/shared and visible to everyone.
func (e *DownloadEntry) VisibleTo(userID string) bool {
	return e.DownloadedByUserID == "" || e.DownloadedByUserID == userID
}

// QueueEntry is the persisted record of a course awaiting download.
type QueueEntry struct {
	Course
	DownloadedByUserID string    `json:"downloaded_by_user_id,omitempty"`
	QueuedAt           time.Time `json:"queued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// ManifestItem is one resolved source a course materialization must fetch.
type ManifestItem struct {
	Category     FileCategory
	Index        *int
	ChapterIndex *int
	LessonIndex  *int
	URL          string
	Title        string
	FileName     string
}

// Record converts the manifest item into the persisted file record.
func (mi *ManifestItem) Record(localPath string) FileRecord {
	return FileRecord{
		Type:         mi.Category,
		Index:        mi.Index,
		ChapterIndex: mi.ChapterIndex,
		LessonIndex:  mi.LessonIndex,
		OriginalURL:  mi.URL,
		LocalPath:    localPath,
		Title:        mi.Title,
	}
}

// ResolveManifest computes the deterministic, ordered list of sources to
// fetch for a course: the trailer (when present) followed by the
// type-specific sources. Series preserve episode order; playlists iterate
// chapter-major, lesson-minor. An empty manifest means the course has no
// playable assets and must be skipped.
func ResolveManifest(c *Course) []ManifestItem {
	var manifest []ManifestItem

	if c.TrailerURL != "" {
		manifest = append(manifest, ManifestItem{
			Category: FileTrailer,
			URL:      c.TrailerURL,
			FileName: localFileName(FileTrailer, c.TrailerURL),
		})
	}

	switch c.CourseType {
	case TypeSingle:
		if c.VideoURL != "" {
			manifest = append(manifest, ManifestItem{
				Category: FileMain,
				URL:      c.VideoURL,
				FileName: localFileName(FileMain, c.VideoURL),
			})
		}
	case TypeSeries:
		for i := range c.Episodes {
			ep := c.Episodes[i]
			if ep.VideoURL == "" {
				continue
			}

			idx := i
			manifest = append(manifest, ManifestItem{
				Category: FileSeries,
				Index:    &idx,
				URL:      ep.VideoURL,
				Title:    ep.Title,
				FileName: localFileName(FileSeries, ep.VideoURL, i),
			})
		}
	case TypePlaylist:
		for ci := range c.Chapters {
			for li := range c.Chapters[ci].Lessons {
				lesson := c.Chapters[ci].Lessons[li]
				if lesson.VideoURL == "" {
					continue
				}

				chapterIdx, lessonIdx := ci, li
				manifest = append(manifest, ManifestItem{
					Category:     FilePlaylist,
					ChapterIndex: &chapterIdx,
					LessonIndex:  &lessonIdx,
					URL:          lesson.VideoURL,
					Title:        lesson.Title,
					FileName:     localFileName(FilePlaylist, lesson.VideoURL, ci, li),
				})
			}
		}
	}

	return manifest
}

// localFileName produces a content-addressed name for a source URL so that
// re-downloading the same URL reproduces the same path while distinct URLs
// never collide.
func localFileName(category FileCategory, url string, indices ...int) string {
	name := string(category)
	for _, idx := range indices {
		name += fmt.Sprintf("_%d", idx)
	}

	digest := sha256.Sum256([]byte(url))

	return fmt.Sprintf("%s_%s.mp4", name, hex.EncodeToString(digest[:]))
}

// DaysRemaining returns the whole days left before expiresAt, never negative.
// A partial day counts as a full one so the UI never shows "0 days" for
// content that is still playable.
func DaysRemaining(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}

	days := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))

	return days
}
