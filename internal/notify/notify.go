// Package notify posts ntfy-style plain text messages after stored exports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxAttempts = 3

// StatusError is a non-2xx reply from the endpoint.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ntfy notification failed: status=%d", e.Status)
}

// Notifier posts messages to one endpoint.
type Notifier struct {
	endpoint string
	client   *http.Client
	backoff  func() backoff.BackOff
}

// New returns a Notifier, or nil when endpoint is blank. A nil Notifier
// ignores every message.
func New(endpoint string, client *http.Client) *Notifier {
	if strings.TrimSpace(endpoint) == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		endpoint: endpoint,
		client:   client,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return b
		},
	}
}

// ExportStored announces a stored HAR export.
func (n *Notifier) ExportStored(ctx context.Context, exportID, filename string, entries int) error {
	if n == nil {
		return nil
	}
	msg := fmt.Sprintf("HAR export %s stored: %d entries (id %s)", filename, entries, exportID)
	return n.Publish(ctx, "harcollector export", msg)
}

// Publish posts message with a Title header. Network errors and 5xx replies
// are retried up to three attempts; other failures return at once.
func (n *Notifier) Publish(ctx context.Context, title, message string) error {
	if n == nil {
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(n.backoff(), maxAttempts-1), ctx)
	return backoff.RetryNotify(func() error {
		err := Send(ctx, n.client, n.endpoint, title, message)
		var se *StatusError
		if errors.As(err, &se) && se.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		slog.Debug("notification retry", "endpoint", n.endpoint, "error", err, "wait", wait)
	})
}

// Send posts one message to endpoint.
func Send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if endpoint == "" {
		return errors.New("notify: endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
