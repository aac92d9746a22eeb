package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openlearn/offline_manager/internal/tracking"
	"github.com/stretchr/testify/require"
)

// mockTrackingClient records backend writes.
type mockTrackingClient struct {
	mu        sync.Mutex
	doneCalls int
	history   []tracking.HistoryRecord
	lastID    tracking.Identity
}

func (m *mockTrackingClient) MarkVideoDone(ctx context.Context, id tracking.Identity, courseID, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.doneCalls++
	m.lastID = id

	return nil
}

func (m *mockTrackingClient) SaveHistory(ctx context.Context, record tracking.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, record)

	return nil
}

// fakeMediaCodec treats paths with an ".enc" suffix as encrypted and hands
// out sibling ".play" paths as decrypted copies.
type fakeMediaCodec struct {
	mu       sync.Mutex
	decrypts int
	cleaned  []string
}

func (f *fakeMediaCodec) IsEncrypted(path string) bool {
	return strings.HasSuffix(path, ".enc")
}

func (f *fakeMediaCodec) DecryptToTemp(ctx context.Context, encryptedPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.decrypts++

	return encryptedPath + ".play", nil
}

func (f *fakeMediaCodec) CleanupTemp(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleaned = append(f.cleaned, path)

	return nil
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func openSession(t *testing.T, handler http.Handler) {
	t.Helper()

	rec := postJSON(t, handler, "/open", openRequest{
		CourseID:      "c1",
		CourseSlug:    "c1-slug",
		VideoID:       "v1",
		TotalDuration: 100,
	}, map[string]string{ProfileIDHeader: "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPlayer_RequiresOpenSession(t *testing.T) {
	h := NewPlayerHandler(&mockTrackingClient{}, &tracking.ConnectivityFlag{}, nil)
	routes := h.Routes()

	rec := postJSON(t, routes, "/time", map[string]float64{"seconds": 10}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(t, routes, "/progress", map[string]float64{"percent": 80}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPlayer_OpenValidatesIDs(t *testing.T) {
	h := NewPlayerHandler(&mockTrackingClient{}, &tracking.ConnectivityFlag{}, nil)

	rec := postJSON(t, h.Routes(), "/open", openRequest{VideoID: "v1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlayer_ProgressThresholdWrite(t *testing.T) {
	client := &mockTrackingClient{}
	h := NewPlayerHandler(client, &tracking.ConnectivityFlag{}, nil)
	routes := h.Routes()

	openSession(t, routes)

	postJSON(t, routes, "/progress", map[string]float64{"percent": 50}, nil)
	require.Equal(t, 0, client.doneCalls)

	postJSON(t, routes, "/progress", map[string]float64{"percent": 80}, nil)
	require.Equal(t, 1, client.doneCalls)
	require.Equal(t, "p1", client.lastID.ProfileID)

	// State reflects the completed video.
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, true, state["open"])
	require.Equal(t, true, state["is_done"])
}

func TestPlayer_ExitFlushesAndCloses(t *testing.T) {
	client := &mockTrackingClient{}
	h := NewPlayerHandler(client, &tracking.ConnectivityFlag{}, nil)
	routes := h.Routes()

	openSession(t, routes)

	postJSON(t, routes, "/time", map[string]float64{"seconds": 12}, nil)

	rec := postJSON(t, routes, "/exit", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The exit flush saved the resume position despite the closed gate.
	require.Len(t, client.history, 1)
	require.Equal(t, "00:12", client.history[0].TimeSlap)
	require.Equal(t, "c1-slug", client.history[0].CourseSlug)

	// The session is gone afterwards.
	rec = postJSON(t, routes, "/time", map[string]float64{"seconds": 20}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPlayer_ConnectivityGatesHistory(t *testing.T) {
	client := &mockTrackingClient{}
	conn := &tracking.ConnectivityFlag{}
	h := NewPlayerHandler(client, conn, nil)
	routes := h.Routes()

	rec := postJSON(t, routes, "/connectivity", map[string]bool{"online": false}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, conn.Online())

	openSession(t, routes)

	postJSON(t, routes, "/time", map[string]float64{"seconds": 30}, nil)
	postJSON(t, routes, "/exit", nil, nil)
	require.Empty(t, client.history)

	postJSON(t, routes, "/connectivity", map[string]bool{"online": true}, nil)
	require.True(t, conn.Online())
}

func TestPlayer_OpenPlainFilePlaysInPlace(t *testing.T) {
	mc := &fakeMediaCodec{}
	h := NewPlayerHandler(&mockTrackingClient{}, &tracking.ConnectivityFlag{}, mc)
	routes := h.Routes()

	rec := postJSON(t, routes, "/open", openRequest{
		CourseID:      "c1",
		CourseSlug:    "c1-slug",
		VideoID:       "v1",
		LocalPath:     "/data/c1/v1.mp4",
		TotalDuration: 100,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp openResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "/data/c1/v1.mp4", resp.PlayPath)
	require.Equal(t, 0, mc.decrypts)

	rec = postJSON(t, routes, "/exit", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, mc.cleaned)
}

func TestPlayer_OpenDecryptsForPlayback(t *testing.T) {
	mc := &fakeMediaCodec{}
	h := NewPlayerHandler(&mockTrackingClient{}, &tracking.ConnectivityFlag{}, mc)
	routes := h.Routes()

	rec := postJSON(t, routes, "/open", openRequest{
		CourseID:      "c1",
		CourseSlug:    "c1-slug",
		VideoID:       "v1",
		LocalPath:     "/data/c1/v1.enc",
		TotalDuration: 100,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp openResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "/data/c1/v1.enc.play", resp.PlayPath)
	require.Equal(t, 1, mc.decrypts)

	// Exit removes the decrypted copy.
	rec = postJSON(t, routes, "/exit", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"/data/c1/v1.enc.play"}, mc.cleaned)
}

func TestPlayer_ReopenDisposesPreviousTemp(t *testing.T) {
	mc := &fakeMediaCodec{}
	h := NewPlayerHandler(&mockTrackingClient{}, &tracking.ConnectivityFlag{}, mc)
	routes := h.Routes()

	rec := postJSON(t, routes, "/open", openRequest{
		CourseID:      "c1",
		VideoID:       "v1",
		LocalPath:     "/data/c1/v1.enc",
		TotalDuration: 100,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Opening the next video without exiting still removes the previous
	// decrypted copy.
	rec = postJSON(t, routes, "/open", openRequest{
		CourseID:      "c1",
		VideoID:       "v2",
		LocalPath:     "/data/c1/v2.enc",
		TotalDuration: 100,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"/data/c1/v1.enc.play"}, mc.cleaned)
}
