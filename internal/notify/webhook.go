// Package notify hands recovery keys off to the external mail
// pipeline through a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts recovery-key deliveries to a single endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type recoveryKeyPayload struct {
	Kind        string `json:"kind"`
	Email       string `json:"email"`
	Locale      string `json:"locale,omitempty"`
	RecoveryKey string `json:"recovery_key"`
}

// NotifyRecoveryKey delivers the recovery key to the user. A non-2xx
// response is an error: the caller must not proceed to the
// irreversible stage without confirmed delivery.
func (w *Webhook) NotifyRecoveryKey(ctx context.Context, email, locale, key string) error {
	body, err := json.Marshal(recoveryKeyPayload{
		Kind:        "recovery_key",
		Email:       email,
		Locale:      locale,
		RecoveryKey: key,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() // Close errors are not critical
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
