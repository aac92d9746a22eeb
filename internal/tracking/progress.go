package tracking

import (
	"context"
	"sync"

	"github.com/openlearn/offline_manager/internal/logctx"
)

// doneThreshold is the watched percentage at which a video counts as
// completed.
const doneThreshold = 75.0

// DoneWriter is the backend's mark-video-done endpoint.
type DoneWriter interface {
	MarkVideoDone(ctx context.Context, id Identity, courseID, videoID string) error
}

// ProgressTracker tracks one open video's completion state. It issues at
// most one successful completion write per (videoID, courseID) pair; a
// failed write releases the in-flight guard so a later threshold crossing
// retries. The tracker's lifecycle follows the open video: replace the
// video, call Reset.
type ProgressTracker struct {
	client DoneWriter
	id     Identity

	mu         sync.Mutex
	courseID   string
	videoID    string
	percentage float64
	done       bool
	inFlight   bool
}

func NewProgressTracker(client DoneWriter, id Identity, courseID, videoID string, initialIsDone bool) *ProgressTracker {
	return &ProgressTracker{
		client:   client,
		id:       id,
		courseID: courseID,
		videoID:  videoID,
		done:     initialIsDone,
	}
}

// Reset restarts tracking for a new (videoID, courseID) pair. A video the
// backend already reports as done short-circuits tracking entirely.
func (t *ProgressTracker) Reset(courseID, videoID string, initialIsDone bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.courseID = courseID
	t.videoID = videoID
	t.percentage = 0
	t.done = initialIsDone
	t.inFlight = false
}

// UpdateProgress records the watched percentage and, on the first crossing
// of the completion threshold, writes the completion exactly once.
func (t *ProgressTracker) UpdateProgress(ctx context.Context, percent float64) {
	t.mu.Lock()
	t.percentage = percent

	if t.done || t.inFlight || percent < doneThreshold {
		t.mu.Unlock()

		return
	}

	t.inFlight = true
	courseID, videoID := t.courseID, t.videoID
	t.mu.Unlock()

	t.write(ctx, courseID, videoID)
}

// MarkVideoAsDone writes the completion regardless of the watched
// percentage, with the same exactly-once guarantee.
func (t *ProgressTracker) MarkVideoAsDone(ctx context.Context) {
	t.mu.Lock()

	if t.done || t.inFlight {
		t.mu.Unlock()

		return
	}

	t.inFlight = true
	courseID, videoID := t.courseID, t.videoID
	t.mu.Unlock()

	t.write(ctx, courseID, videoID)
}

// IsVideoDone reports whether the video is completed, locally or per the
// backend's initial state.
func (t *ProgressTracker) IsVideoDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done
}

// ProgressPercentage returns the last reported watched percentage.
func (t *ProgressTracker) ProgressPercentage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.percentage
}

func (t *ProgressTracker) write(ctx context.Context, courseID, videoID string) {
	err := t.client.MarkVideoDone(ctx, t.id, courseID, videoID)

	t.mu.Lock()
	defer t.mu.Unlock()

	// The pair may have been reset while the write was in flight; in that
	// case the fresh state must not be touched.
	if t.courseID != courseID || t.videoID != videoID {
		return
	}

	t.inFlight = false

	if err != nil {
		logctx.LoggerFromContext(ctx).Debug("completion write failed, will retry on next crossing",
			"course_id", courseID, "video_id", videoID, "err", err)

		return
	}

	t.done = true
}
