package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/openlearn/offline_manager/internal/logctx"
	"github.com/openlearn/offline_manager/internal/tracking"
)

// TrackingClient is the backend surface the player session writes to.
type TrackingClient interface {
	tracking.DoneWriter
	tracking.HistoryWriter
}

// MediaCodec prepares downloaded media for playback and disposes of the
// throwaway decrypted copies.
type MediaCodec interface {
	IsEncrypted(path string) bool
	DecryptToTemp(ctx context.Context, encryptedPath string) (string, error)
	CleanupTemp(ctx context.Context, path string) error
}

// PlayerHandler owns the single active playback session. The UI shell
// reports player events here; the handler fans them out to the completion
// and resume-position trackers and resolves the playable file path.
type PlayerHandler struct {
	client TrackingClient
	conn   *tracking.ConnectivityFlag
	codec  MediaCodec

	mu      sync.Mutex
	session *playerSession
}

type playerSession struct {
	videoID  string
	tempPath string
	progress *tracking.ProgressTracker
	history  *tracking.HistoryTracker
}

func NewPlayerHandler(client TrackingClient, conn *tracking.ConnectivityFlag, codec MediaCodec) *PlayerHandler {
	return &PlayerHandler{
		client: client,
		conn:   conn,
		codec:  codec,
	}
}

func (h *PlayerHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/open", h.handleOpen)
	r.Post("/time", h.handleTime)
	r.Post("/progress", h.handleProgress)
	r.Post("/done", h.handleDone)
	r.Post("/exit", h.handleExit)
	r.Post("/background", h.handleBackground)
	r.Post("/foreground", h.handleForeground)
	r.Get("/state", h.handleState)
	r.Post("/connectivity", h.handleConnectivity)

	return r
}

type openRequest struct {
	CourseID      string  `json:"course_id"`
	CourseSlug    string  `json:"course_slug"`
	VideoID       string  `json:"video_id"`
	LocalPath     string  `json:"local_path"`
	TotalDuration float64 `json:"total_duration"`
	IsDone        bool    `json:"is_done"`
}

type openResponse struct {
	PlayPath string `json:"play_path,omitempty"`
}

func (h *PlayerHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.VideoID == "" || req.CourseID == "" {
		http.Error(w, "course_id and video_id are required", http.StatusBadRequest)

		return
	}

	playPath, tempPath, err := h.resolvePlayPath(ctx, req.LocalPath)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to prepare media for playback",
			"video_id", req.VideoID, "err", err)
		http.Error(w, "failed to prepare media for playback", http.StatusInternalServerError)

		return
	}

	id := tracking.Identity{
		UserID:    r.Header.Get("X-User-ID"),
		ProfileID: r.Header.Get(ProfileIDHeader),
	}

	h.mu.Lock()
	prev := h.session
	h.session = &playerSession{
		videoID:  req.VideoID,
		tempPath: tempPath,
		progress: tracking.NewProgressTracker(h.client, id, req.CourseID, req.VideoID, req.IsDone),
		history:  tracking.NewHistoryTracker(h.client, h.conn, id, req.CourseSlug, req.VideoID, req.TotalDuration, req.IsDone),
	}
	h.mu.Unlock()

	// Opening over a session the shell never exited still disposes of the
	// previous decrypted copy.
	h.disposeTemp(ctx, prev)

	logctx.LoggerFromContext(ctx).Info("player session opened",
		"course_id", req.CourseID, "video_id", req.VideoID)

	writeJSON(w, http.StatusOK, openResponse{PlayPath: playPath})
}

// resolvePlayPath maps a downloaded file onto the path the shell should
// hand to its player: encrypted media is decrypted into a throwaway temp
// file, everything else plays in place.
func (h *PlayerHandler) resolvePlayPath(ctx context.Context, localPath string) (playPath, tempPath string, err error) {
	if localPath == "" || h.codec == nil || !h.codec.IsEncrypted(localPath) {
		return localPath, "", nil
	}

	decrypted, err := h.codec.DecryptToTemp(ctx, localPath)
	if err != nil {
		return "", "", err
	}

	return decrypted, decrypted, nil
}

func (h *PlayerHandler) disposeTemp(ctx context.Context, s *playerSession) {
	if s == nil || s.tempPath == "" || h.codec == nil {
		return
	}

	_ = h.codec.CleanupTemp(ctx, s.tempPath)
}

func (h *PlayerHandler) handleTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	s, ok := h.active(w)
	if !ok {
		return
	}

	s.history.UpdateCurrentTime(r.Context(), req.Seconds)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent float64 `json:"percent"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	s, ok := h.active(w)
	if !ok {
		return
	}

	s.progress.UpdateProgress(r.Context(), req.Percent)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) handleDone(w http.ResponseWriter, r *http.Request) {
	s, ok := h.active(w)
	if !ok {
		return
	}

	s.progress.MarkVideoAsDone(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleExit flushes the resume position, removes any decrypted temp copy
// and closes the session.
func (h *PlayerHandler) handleExit(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()

	if s != nil {
		s.history.OnExitVideo(r.Context())
		h.disposeTemp(r.Context(), s)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) handleBackground(w http.ResponseWriter, r *http.Request) {
	s, ok := h.active(w)
	if !ok {
		return
	}

	s.history.OnBackground(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) handleForeground(w http.ResponseWriter, r *http.Request) {
	s, ok := h.active(w)
	if !ok {
		return
	}

	s.history.OnForeground(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) handleState(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()

	if s == nil {
		writeJSON(w, http.StatusOK, map[string]any{"open": false})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"open":     true,
		"video_id": s.videoID,
		"is_done":  s.progress.IsVideoDone(),
		"percent":  s.progress.ProgressPercentage(),
	})
}

func (h *PlayerHandler) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	h.conn.SetOnline(req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlayerHandler) active(w http.ResponseWriter) (*playerSession, bool) {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()

	if s == nil {
		http.Error(w, "no open player session", http.StatusConflict)

		return nil, false
	}

	return s, true
}
