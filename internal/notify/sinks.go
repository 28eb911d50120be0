package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// LogSink writes every notification to the process log.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, n Notification) error {
	scope := "global"
	if n.UserID != "" {
		scope = "user " + n.UserID
	}
	log.Printf("[notify] %s | %s | %s: %s", n.Severity, scope, n.Title, n.Body)
	return nil
}

// WebhookResolver maps a user id to a webhook URL; empty means no webhook.
type WebhookResolver interface {
	WebhookURL(ctx context.Context, userID string) (string, error)
}

// WebhookSink posts user-scoped notifications as JSON to the user's
// configured webhook. Global notifications are skipped.
type WebhookSink struct {
	Resolver WebhookResolver
	Client   *http.Client
}

// NewWebhookSink builds a webhook sink with a bounded HTTP client.
func NewWebhookSink(resolver WebhookResolver) *WebhookSink {
	return &WebhookSink{
		Resolver: resolver,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	if n.UserID == "" || s.Resolver == nil {
		return nil
	}
	url, err := s.Resolver.WebhookURL(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve webhook: %w", err)
	}
	if url == "" {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", res.StatusCode)
	}
	return nil
}
