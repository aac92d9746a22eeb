package tracking

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openlearn/offline_manager/internal/logctx"
	"golang.org/x/time/rate"
)

const (
	// minResumeSeconds filters out noise writes at the start of playback.
	minResumeSeconds = 5.0

	// gateFraction is how much of the video must have played before
	// periodic history writes begin. Once crossed, the gate stays open
	// for the remainder of the video.
	gateFraction = 0.2

	// saveInterval throttles periodic history writes.
	saveInterval = 10 * time.Second
)

// HistoryWriter is the backend's save-resume-position endpoint.
type HistoryWriter interface {
	SaveHistory(ctx context.Context, record HistoryRecord) error
}

// Connectivity reports the device's network state, checked per write
// attempt.
type Connectivity interface {
	Online() bool
}

// HistoryTracker persists a resume position for one open video. Periodic
// writes are throttled and gated on 20% watched; a forced flush (exiting
// the video, or backgrounding while the gate is open) bypasses both but
// still never writes for a finished video, while offline, or inside the
// first seconds of playback.
type HistoryTracker struct {
	client HistoryWriter
	conn   Connectivity
	id     Identity

	now func() time.Time

	mu            sync.Mutex
	courseSlug    string
	videoID       string
	totalDuration float64
	videoDone     bool
	timestamp     float64
	gateOpen      bool
	limiter       *rate.Limiter
}

func NewHistoryTracker(client HistoryWriter, conn Connectivity, id Identity, courseSlug, videoID string, totalDuration float64, isVideoDone bool) *HistoryTracker {
	return &HistoryTracker{
		client:        client,
		conn:          conn,
		id:            id,
		now:           time.Now,
		courseSlug:    courseSlug,
		videoID:       videoID,
		totalDuration: totalDuration,
		videoDone:     isVideoDone,
		limiter:       rate.NewLimiter(rate.Every(saveInterval), 1),
	}
}

// Reset restarts tracking for a new video.
func (t *HistoryTracker) Reset(courseSlug, videoID string, totalDuration float64, isVideoDone bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.courseSlug = courseSlug
	t.videoID = videoID
	t.totalDuration = totalDuration
	t.videoDone = isVideoDone
	t.timestamp = 0
	t.gateOpen = false
	t.limiter = rate.NewLimiter(rate.Every(saveInterval), 1)
}

// UpdateCurrentTime records the playback position and attempts a throttled,
// gated history write.
func (t *HistoryTracker) UpdateCurrentTime(ctx context.Context, seconds float64) {
	t.mu.Lock()
	t.timestamp = seconds

	if !t.gateOpen && t.totalDuration > 0 && seconds >= gateFraction*t.totalDuration {
		t.gateOpen = true
	}
	t.mu.Unlock()

	t.attempt(ctx, false)
}

// OnExitVideo force-flushes the resume position so leaving mid-video still
// saves a usable resume point.
func (t *HistoryTracker) OnExitVideo(ctx context.Context) {
	t.attempt(ctx, true)
}

// OnBackground force-flushes when the app leaves the foreground, but only
// once the 20% gate has opened.
func (t *HistoryTracker) OnBackground(ctx context.Context) {
	t.mu.Lock()
	open := t.gateOpen
	t.mu.Unlock()

	if open {
		t.attempt(ctx, true)
	}
}

// OnForeground is the counterpart lifecycle event. Nothing to flush; the
// next UpdateCurrentTime resumes normal throttled writes.
func (t *HistoryTracker) OnForeground(ctx context.Context) {}

func (t *HistoryTracker) attempt(ctx context.Context, forced bool) {
	t.mu.Lock()

	if t.videoDone {
		t.mu.Unlock()

		return
	}

	if t.conn != nil && !t.conn.Online() {
		t.mu.Unlock()

		return
	}

	if t.id.TrackingID() == "" || t.videoID == "" || t.courseSlug == "" || t.timestamp <= minResumeSeconds {
		t.mu.Unlock()

		return
	}

	if !forced {
		if !t.gateOpen {
			t.mu.Unlock()

			return
		}

		if !t.limiter.AllowN(t.now(), 1) {
			t.mu.Unlock()

			return
		}
	}

	record := HistoryRecord{
		CourseSlug: t.courseSlug,
		VideoID:    t.videoID,
		TimeSlap:   FormatTime(t.timestamp),
		Timestamp:  int64(math.Floor(t.timestamp)),
	}

	if t.id.ProfileID != "" {
		record.ProfileID = t.id.ProfileID
	} else {
		record.UserID = t.id.UserID
	}
	t.mu.Unlock()

	if err := t.client.SaveHistory(ctx, record); err != nil {
		// Tried again on the next throttled interval.
		logctx.LoggerFromContext(ctx).Debug("history write failed",
			"video_id", record.VideoID, "err", err)
	}
}

// FormatTime renders seconds elapsed as "MM:SS".
func FormatTime(seconds float64) string {
	total := int(math.Floor(seconds))
	if total < 0 {
		total = 0
	}

	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
