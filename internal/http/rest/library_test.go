package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openlearn/offline_manager/internal/course"
	"github.com/openlearn/offline_manager/internal/library"
	"github.com/stretchr/testify/require"
)

// mockLibraryService implements LibraryService for testing.
type mockLibraryService struct {
	downloadFunc func(ctx context.Context, c *course.Course, userID string) (bool, error)
	deleteFunc   func(ctx context.Context, entry *course.DownloadEntry) bool

	entries []course.DownloadEntry
	queue   []course.QueueEntry

	lastUserID string
}

func (m *mockLibraryService) DownloadCourse(ctx context.Context, c *course.Course, userID string) (bool, error) {
	m.lastUserID = userID

	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, c, userID)
	}

	return true, nil
}

func (m *mockLibraryService) DeleteCourse(ctx context.Context, entry *course.DownloadEntry) bool {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, entry)
	}

	return true
}

func (m *mockLibraryService) Downloaded(userID string) []course.DownloadEntry {
	m.lastUserID = userID

	visible := make([]course.DownloadEntry, 0, len(m.entries))
	for i := range m.entries {
		if m.entries[i].VisibleTo(userID) {
			visible = append(visible, m.entries[i])
		}
	}

	return visible
}

func (m *mockLibraryService) Queue() []course.QueueEntry { return m.queue }

func (m *mockLibraryService) Current() *course.QueueEntry { return nil }

func (m *mockLibraryService) Progress() map[string]library.FileProgress {
	return map[string]library.FileProgress{}
}

func (m *mockLibraryService) GetCourseDownloadInfo(id, userID string) (course.DownloadEntry, bool) {
	for i := range m.entries {
		if m.entries[i].ID == id && m.entries[i].VisibleTo(userID) {
			return m.entries[i], true
		}
	}

	return course.DownloadEntry{}, false
}

func (m *mockLibraryService) GetCourseBySlug(slug, userID string) (course.DownloadEntry, bool) {
	for i := range m.entries {
		if m.entries[i].Slug == slug && m.entries[i].VisibleTo(userID) {
			return m.entries[i], true
		}
	}

	return course.DownloadEntry{}, false
}

func (m *mockLibraryService) DaysRemaining(expiresAt time.Time) int {
	return course.DaysRemaining(expiresAt, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func enqueueRequest(t *testing.T, c *course.Course) *http.Request {
	t.Helper()

	body, err := json.Marshal(c)
	require.NoError(t, err)

	return httptest.NewRequest(http.MethodPost, "/library", bytes.NewReader(body))
}

func TestHandleEnqueue_Accepted(t *testing.T) {
	svc := &mockLibraryService{}
	h := NewLibraryHandler("", "", svc)

	req := enqueueRequest(t, &course.Course{ID: "c1", CourseType: course.TypeSingle})
	req.Header.Set(ProfileIDHeader, "u1")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "u1", svc.lastUserID)

	var resp downloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Enqueued)
}

func TestHandleEnqueue_SilentDuplicate(t *testing.T) {
	svc := &mockLibraryService{
		downloadFunc: func(ctx context.Context, c *course.Course, userID string) (bool, error) {
			return false, nil
		},
	}
	h := NewLibraryHandler("", "", svc)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, enqueueRequest(t, &course.Course{ID: "c1"}))

	// A duplicate is not an error; it just is not enqueued again.
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp downloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Enqueued)
	require.Empty(t, resp.Reason)
}

func TestHandleEnqueue_RejectionStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "no entitlement", err: &course.EntitlementError{UserID: "u1"}, wantStatus: http.StatusForbidden},
		{name: "already downloaded", err: &course.AlreadyDownloadedError{CourseID: "c1"}, wantStatus: http.StatusConflict},
		{name: "no space", err: &course.StorageError{RequiredBytes: 250, FreeBytes: 10}, wantStatus: http.StatusInsufficientStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLibraryService{
				downloadFunc: func(ctx context.Context, c *course.Course, userID string) (bool, error) {
					return false, tt.err
				},
			}
			h := NewLibraryHandler("", "", svc)

			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, enqueueRequest(t, &course.Course{ID: "c1"}))

			require.Equal(t, tt.wantStatus, rec.Code)

			var resp downloadResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.False(t, resp.Enqueued)
			require.NotEmpty(t, resp.Reason)
		})
	}
}

func TestHandleEnqueue_BadRequests(t *testing.T) {
	h := NewLibraryHandler("", "", &mockLibraryService{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/library", bytes.NewReader([]byte("{"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, enqueueRequest(t, &course.Course{Name: "missing id"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleList_ScopedToProfile(t *testing.T) {
	expiresAt := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	svc := &mockLibraryService{entries: []course.DownloadEntry{
		{ID: "shared", ExpiresAt: expiresAt},
		{ID: "theirs", DownloadedByUserID: "u2", ExpiresAt: expiresAt},
	}}
	h := NewLibraryHandler("", "", svc)

	req := httptest.NewRequest(http.MethodGet, "/library", nil)
	req.Header.Set(ProfileIDHeader, "u1")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []entryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, "shared", resp[0].ID)
	require.Equal(t, 3, resp[0].DaysRemaining)
}

func TestHandleGet(t *testing.T) {
	svc := &mockLibraryService{entries: []course.DownloadEntry{
		{ID: "c1", Slug: "c1-slug"},
	}}
	h := NewLibraryHandler("", "", svc)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/library/c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/library/slug/c1-slug", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/library/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	svc := &mockLibraryService{entries: []course.DownloadEntry{{ID: "c1"}}}
	h := NewLibraryHandler("", "", svc)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/library/c1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/library/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	h := NewLibraryHandler("admin", "secret", &mockLibraryService{})

	// No credentials.
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/library", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong credentials.
	req := httptest.NewRequest(http.MethodGet, "/library", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct credentials.
	req = httptest.NewRequest(http.MethodGet, "/library", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
