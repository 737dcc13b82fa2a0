// Package webhook delivers job lifecycle events as JSON POST requests.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/paulgrammer/taskmaster/internal/events"
)

// StatusError reports a non-2xx answer from the receiving endpoint.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "webhook: unexpected response " + e.Status
}

// Temporary reports whether resending the same event could succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Sender interface {
	Send(ctx context.Context, url string, event events.Event) error
}

type httpSender struct {
	client     *http.Client
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewHTTPSender returns a Sender that retries transient failures with an
// exponential backoff. timeout bounds a single attempt.
func NewHTTPSender(timeout time.Duration, retries int) Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 3
	}
	return &httpSender{
		client:     &http.Client{Timeout: timeout},
		retries:    retries,
		backoff:    500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

func (s *httpSender) Send(ctx context.Context, url string, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: encoding event: %w", err)
	}

	delay := s.backoff
	for attempt := 1; ; attempt++ {
		err = s.post(ctx, url, event, body)
		if err == nil {
			return nil
		}
		if attempt > s.retries || !retryable(err) {
			return err
		}
		slog.Debug("webhook delivery failed, retrying",
			"job_id", event.JobID,
			"event", string(event.Type),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

func (s *httpSender) post(ctx context.Context, url string, event events.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-taskmaster-event", string(event.Type))
	req.Header.Set("x-taskmaster-job", event.JobID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// retryable treats transport errors and 429/5xx answers as transient.
func retryable(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.Temporary()
	}
	return true
}

// Hook posts every event to a fixed URL. An empty URL disables it.
type Hook struct {
	Sender Sender
	URL    string
}

func NewHook(url string, timeout time.Duration, retries int) *Hook {
	return &Hook{Sender: NewHTTPSender(timeout, retries), URL: url}
}

func (h *Hook) Notify(ctx context.Context, event events.Event) error {
	if h.URL == "" {
		return nil
	}
	return h.Sender.Send(ctx, h.URL, event)
}
