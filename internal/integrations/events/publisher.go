package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"restops/internal/domain"
)

// Publisher pushes internal events to a subscriber webhook. Each delivery is
// retried with capped exponential backoff and carries the event id as its
// idempotency key, so subscribers can drop repeats.
type Publisher struct {
	webhookURL string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	httpClient *http.Client
}

func NewPublisher(webhookURL string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}
	return &Publisher{
		webhookURL: webhookURL,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// New stamps an event with a fresh id and the current time.
func New(eventType domain.EventType, subject string, payload map[string]interface{}) domain.Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.webhookURL != ""
}

// Publish is a no-op when no webhook URL is configured.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.backoff(attempt)); err != nil {
				return fmt.Errorf("publish %s: %w (last error: %v)", event.ID, err, lastErr)
			}
		}
		retry, err := p.deliver(ctx, event, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("publish %s: %w", event.ID, lastErr)
}

func (p *Publisher) deliver(ctx context.Context, event domain.Event, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Idempotency-Key", event.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	err = fmt.Errorf("subscriber responded with status %d", resp.StatusCode)
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, err
}

func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.retryBase << (attempt - 1)
	if d <= 0 || d > p.retryMax {
		return p.retryMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
