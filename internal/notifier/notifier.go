// Package notifier delivers download lifecycle events to the app shell's
// alert surface over a webhook.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event kinds the alert surface distinguishes.
const (
	KindDownloadFinished = "download_finished"
	KindDownloadFailed   = "download_failed"
)

// Event is one download lifecycle notification.
type Event struct {
	Kind       string `json:"kind"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

type Notifier interface {
	Notify(event Event) error
}

// WebhookNotifier posts events to a webhook consumed by the app shell.
type WebhookNotifier struct {
	WebhookURL string
}

func (n *WebhookNotifier) Notify(event Event) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := http.Post(n.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
