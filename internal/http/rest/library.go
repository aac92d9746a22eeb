package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openlearn/offline_manager/internal/course"
	"github.com/openlearn/offline_manager/internal/library"
	"github.com/openlearn/offline_manager/internal/logctx"
)

// ProfileIDHeader carries the active profile for ownership-scoped reads.
const ProfileIDHeader = "X-Profile-ID"

// LibraryService is the queue-manager surface the handler exposes.
type LibraryService interface {
	DownloadCourse(ctx context.Context, c *course.Course, userID string) (bool, error)
	DeleteCourse(ctx context.Context, entry *course.DownloadEntry) bool
	Downloaded(userID string) []course.DownloadEntry
	Queue() []course.QueueEntry
	Current() *course.QueueEntry
	Progress() map[string]library.FileProgress
	GetCourseDownloadInfo(id, userID string) (course.DownloadEntry, bool)
	GetCourseBySlug(slug, userID string) (course.DownloadEntry, bool)
	DaysRemaining(expiresAt time.Time) int
}

// LibraryHandler serves the local API the UI shell consumes.
type LibraryHandler struct {
	username string
	password string
	svc      LibraryService
}

// NewLibraryHandler creates a new library handler.
func NewLibraryHandler(username, password string, svc LibraryService) *LibraryHandler {
	return &LibraryHandler{
		username: username,
		password: password,
		svc:      svc,
	}
}

func (h *LibraryHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/library", h.handleList)
	r.Post("/library", h.handleEnqueue)
	r.Get("/library/slug/{slug}", h.handleGetBySlug)
	r.Get("/library/{id}", h.handleGet)
	r.Delete("/library/{id}", h.handleDelete)
	r.Get("/queue", h.handleQueue)
	r.Get("/progress", h.handleProgress)
	r.Get("/current", h.handleCurrent)

	return r
}

type downloadResponse struct {
	Enqueued bool   `json:"enqueued"`
	Reason   string `json:"reason,omitempty"`
}

type entryResponse struct {
	course.DownloadEntry
	DaysRemaining int `json:"days_remaining"`
}

func (h *LibraryHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var c course.Course
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		logger.Error("failed to decode course", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if c.ID == "" {
		http.Error(w, "course id is required", http.StatusBadRequest)

		return
	}

	userID := r.Header.Get(ProfileIDHeader)

	enqueued, err := h.svc.DownloadCourse(r.Context(), &c, userID)
	if err != nil {
		status, reason := rejectionStatus(err)
		writeJSON(w, status, downloadResponse{Enqueued: false, Reason: reason})

		return
	}

	// enqueued=false with no error is the silent duplicate no-op.
	writeJSON(w, http.StatusAccepted, downloadResponse{Enqueued: enqueued})
}

func (h *LibraryHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(ProfileIDHeader)

	entry, ok := h.svc.GetCourseDownloadInfo(chi.URLParam(r, "id"), userID)
	if !ok {
		http.Error(w, "course not found", http.StatusNotFound)

		return
	}

	if !h.svc.DeleteCourse(r.Context(), &entry) {
		http.Error(w, "failed to delete course", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *LibraryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(ProfileIDHeader)

	entries := h.svc.Downloaded(userID)
	out := make([]entryResponse, len(entries))

	for i := range entries {
		out[i] = entryResponse{
			DownloadEntry: entries[i],
			DaysRemaining: h.svc.DaysRemaining(entries[i].ExpiresAt),
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *LibraryHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(ProfileIDHeader)

	entry, ok := h.svc.GetCourseDownloadInfo(chi.URLParam(r, "id"), userID)
	if !ok {
		http.Error(w, "course not found", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, entryResponse{DownloadEntry: entry, DaysRemaining: h.svc.DaysRemaining(entry.ExpiresAt)})
}

func (h *LibraryHandler) handleGetBySlug(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(ProfileIDHeader)

	entry, ok := h.svc.GetCourseBySlug(chi.URLParam(r, "slug"), userID)
	if !ok {
		http.Error(w, "course not found", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, entryResponse{DownloadEntry: entry, DaysRemaining: h.svc.DaysRemaining(entry.ExpiresAt)})
}

func (h *LibraryHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Queue())
}

func (h *LibraryHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Progress())
}

func (h *LibraryHandler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	current := h.svc.Current()
	if current == nil {
		writeJSON(w, http.StatusOK, map[string]any{"current": nil})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"current": current})
}

func (h *LibraryHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// rejectionStatus maps enqueue rejections to HTTP statuses and user-facing
// reasons.
func rejectionStatus(err error) (int, string) {
	var entitlementErr *course.EntitlementError
	if errors.As(err, &entitlementErr) {
		return http.StatusForbidden, "no download permission"
	}

	var alreadyErr *course.AlreadyDownloadedError
	if errors.As(err, &alreadyErr) {
		return http.StatusConflict, "course already downloaded"
	}

	var storageErr *course.StorageError
	if errors.As(err, &storageErr) {
		return http.StatusInsufficientStorage, "not enough free storage"
	}

	return http.StatusInternalServerError, fmt.Sprintf("error: %v", err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
