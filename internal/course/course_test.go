package course

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveManifest_Single(t *testing.T) {
	c := &Course{
		ID:         "c1",
		CourseType: TypeSingle,
		TrailerURL: "https://cdn.example.com/trailer.mp4",
		VideoURL:   "https://cdn.example.com/main.mp4",
	}

	manifest := ResolveManifest(c)
	require.Len(t, manifest, 2)

	require.Equal(t, FileTrailer, manifest[0].Category)
	require.Equal(t, c.TrailerURL, manifest[0].URL)

	require.Equal(t, FileMain, manifest[1].Category)
	require.Equal(t, c.VideoURL, manifest[1].URL)
}

func TestResolveManifest_SeriesOrder(t *testing.T) {
	c := &Course{
		ID:         "c2",
		CourseType: TypeSeries,
		Episodes: []Episode{
			{Title: "ep one", VideoURL: "https://cdn.example.com/ep1.mp4"},
			{Title: "no video"},
			{Title: "ep three", VideoURL: "https://cdn.example.com/ep3.mp4"},
		},
	}

	manifest := ResolveManifest(c)
	require.Len(t, manifest, 2)

	require.Equal(t, FileSeries, manifest[0].Category)
	require.Equal(t, 0, *manifest[0].Index)
	require.Equal(t, "ep one", manifest[0].Title)

	// The episode without a video is skipped but indices still reflect the
	// original episode positions.
	require.Equal(t, 2, *manifest[1].Index)
	require.Equal(t, "ep three", manifest[1].Title)
}

func TestResolveManifest_PlaylistChapterMajorOrder(t *testing.T) {
	c := &Course{
		ID:         "c3",
		CourseType: TypePlaylist,
		TrailerURL: "https://cdn.example.com/trailer.mp4",
		Chapters: []Chapter{
			{Title: "ch1", Lessons: []Lesson{
				{Title: "l1", VideoURL: "https://cdn.example.com/1-1.mp4"},
				{Title: "l2", VideoURL: "https://cdn.example.com/1-2.mp4"},
			}},
			{Title: "ch2", Lessons: []Lesson{
				{Title: "l1", VideoURL: "https://cdn.example.com/2-1.mp4"},
			}},
		},
	}

	manifest := ResolveManifest(c)
	require.Len(t, manifest, 4)

	// Trailer always comes first.
	require.Equal(t, FileTrailer, manifest[0].Category)

	type pos struct{ chapter, lesson int }

	var got []pos
	for _, item := range manifest[1:] {
		require.Equal(t, FilePlaylist, item.Category)
		got = append(got, pos{*item.ChapterIndex, *item.LessonIndex})
	}

	require.Equal(t, []pos{{0, 0}, {0, 1}, {1, 0}}, got)
}

func TestResolveManifest_NoPlayableAssets(t *testing.T) {
	tests := []struct {
		name   string
		course Course
	}{
		{name: "single without video", course: Course{CourseType: TypeSingle}},
		{name: "series without episodes", course: Course{CourseType: TypeSeries}},
		{name: "playlist with empty chapters", course: Course{CourseType: TypePlaylist, Chapters: []Chapter{{Title: "empty"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Empty(t, ResolveManifest(&tt.course))
		})
	}
}

func TestLocalFileName(t *testing.T) {
	url := "https://cdn.example.com/1-2.mp4"
	digest := sha256.Sum256([]byte(url))
	want := fmt.Sprintf("playlist_0_1_%s.mp4", hex.EncodeToString(digest[:]))

	require.Equal(t, want, localFileName(FilePlaylist, url, 0, 1))

	// Same URL reproduces the same name; distinct URLs never collide.
	require.Equal(t, localFileName(FileMain, url), localFileName(FileMain, url))
	require.NotEqual(t, localFileName(FileMain, url), localFileName(FileMain, url+"?other"))
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      int
	}{
		{name: "full retention left", expiresAt: now.Add(RetentionPeriod), want: 5},
		{name: "partial day counts as a full day", expiresAt: now.Add(36 * time.Hour), want: 2},
		{name: "one second left", expiresAt: now.Add(time.Second), want: 1},
		{name: "expired", expiresAt: now.Add(-time.Hour), want: 0},
		{name: "exactly now", expiresAt: now, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysRemaining(tt.expiresAt, now); got != tt.want {
				t.Errorf("DaysRemaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDownloadEntry_VisibleTo(t *testing.T) {
	shared := DownloadEntry{ID: "c1"}
	owned := DownloadEntry{ID: "c2", DownloadedByUserID: "u1"}

	require.True(t, shared.VisibleTo("u1"))
	require.True(t, shared.VisibleTo(""))
	require.True(t, owned.VisibleTo("u1"))
	require.False(t, owned.VisibleTo("u2"))
	require.False(t, owned.VisibleTo(""))
}
