package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// PushPayload is the notification body handed to the push collaborator.
type PushPayload struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	TimestampMs int64   `json:"timestampMs"`
	PeakLevel   float64 `json:"peakLevel"`
}

// PushResult reports delivery counts. Only InvalidTokens feeds back into
// this package: those subscriptions are purged.
type PushResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// PushSender is the external push-notification collaborator. FCM, APNs and
// friends live behind this interface outside the core.
type PushSender interface {
	Send(ctx context.Context, tokens []string, payload PushPayload) (PushResult, error)
}

// WebhookSender delivers push payloads by POSTing JSON to the delivery
// token, treating it as a webhook URL. A 404 or 410 marks the token
// invalid; other failures are transient.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSender) Send(ctx context.Context, tokens []string, payload PushPayload) (PushResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return PushResult{}, fmt.Errorf("marshal push payload: %w", err)
	}

	var result PushResult
	for _, token := range tokens {
		if err := w.post(ctx, token, body); err != nil {
			result.FailureCount++
			if isInvalidTokenErr(err) {
				result.InvalidTokens = append(result.InvalidTokens, token)
			}
			log.Warn().Err(err).Msg("Webhook push delivery failed")
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

func (w *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errInvalidToken{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

type errInvalidToken struct {
	status int
}

func (e errInvalidToken) Error() string {
	return fmt.Sprintf("webhook endpoint gone (status %d)", e.status)
}

func isInvalidTokenErr(err error) bool {
	_, ok := err.(errInvalidToken)
	return ok
}
