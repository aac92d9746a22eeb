// Package tracking maintains per-video watch position and completion state
// against the backend, with throttling and threshold-triggered writes.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openlearn/offline_manager/internal/logctx"
	"github.com/openlearn/offline_manager/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Identity selects the key tracking writes are made under: the subscriber
// profile id when a profile is selected, the account user id otherwise.
// The distinction matters for access-tier separation on the backend.
type Identity struct {
	UserID    string
	ProfileID string
}

// TrackingID returns the effective id for backend writes.
func (id Identity) TrackingID() string {
	if id.ProfileID != "" {
		return id.ProfileID
	}

	return id.UserID
}

// HistoryRecord is the resume-position payload.
type HistoryRecord struct {
	ProfileID  string `json:"profile_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	CourseSlug string `json:"course_slug"`
	VideoID    string `json:"video_id"`
	TimeSlap   string `json:"time_slap"`
	Timestamp  int64  `json:"timestamp"`
}

// Client writes tracking state to the backend using a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	tel     *telemetry.Telemetry
}

func NewClient(baseURL, token string, tel *telemetry.Telemetry) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		baseURL: baseURL,
		http:    oauth2.NewClient(ctx, tokenSource),
		tel:     tel,
	}
}

// MarkVideoDone marks a video completed for the identity.
func (c *Client) MarkVideoDone(ctx context.Context, id Identity, courseID, videoID string) error {
	payload := map[string]any{
		"course_id": courseID,
		"video_id":  videoID,
		"is_done":   true,
	}

	if id.ProfileID != "" {
		payload["profile_id"] = id.ProfileID
	} else {
		payload["user_id"] = id.UserID
	}

	return c.post(ctx, "done", "/api/videos/done", payload)
}

// SaveHistory persists a resume position for the identity.
func (c *Client) SaveHistory(ctx context.Context, record HistoryRecord) error {
	return c.post(ctx, "history", "/api/videos/history", record)
}

// SubscriptionActive reports whether the identity's subscription allows
// downloads.
func (c *Client) SubscriptionActive(ctx context.Context, id Identity) (bool, error) {
	url := fmt.Sprintf("%s/api/subscriptions/status?id=%s", c.baseURL, id.TrackingID())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("subscription check failed with status %d", resp.StatusCode)
	}

	var status struct {
		Active bool `json:"active"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("failed to decode subscription status: %w", err)
	}

	return status.Active, nil
}

func (c *Client) post(ctx context.Context, kind, path string, payload any) error {
	logger := logctx.LoggerFromContext(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.tel.RecordTrackingWrite(kind, "error")

		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug("tracking write rejected", "path", path, "status", resp.StatusCode)
		c.tel.RecordTrackingWrite(kind, "error")

		return fmt.Errorf("tracking write failed with status %d", resp.StatusCode)
	}

	c.tel.RecordTrackingWrite(kind, "success")

	return nil
}
