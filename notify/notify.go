// Package notify delivers best-effort human-readable status messages.
// Failures are logged and swallowed; notification outcome never affects
// order outcome or HTTP responses.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/logger"
)

// Sink posts JSON messages to a configured webhook URL.
type Sink struct {
	url        string
	httpClient *http.Client
}

// Message is one status notification.
type Message struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewSink returns nil when no URL is configured; a nil Sink is safe to call.
func NewSink(cfg config.NotifyConfig) *Sink {
	if cfg.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send fires the notification in the background and returns immediately.
func (s *Sink) Send(event, requestID, text string) {
	if s == nil {
		return
	}
	msg := Message{
		Event:     event,
		RequestID: requestID,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	go s.post(msg)
}

func (s *Sink) post(msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		logger.Warnw("failed to encode notification", logger.FieldError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		logger.Warnw("failed to build notification request", logger.FieldError, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warnw("notification delivery failed", logger.FieldError, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warnw("notification sink returned error",
			logger.FieldStatus, resp.StatusCode)
	}
}
