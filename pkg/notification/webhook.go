// Package notification delivers job completion callbacks to client-supplied
// webhook URLs.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"atelier/internal/model"
	"atelier/pkg/logger"
)

const (
	webhookTimeout  = 30 * time.Second
	webhookAttempts = 3
	webhookBackoff  = 2 * time.Second
)

// JobNotifier posts terminal job snapshots to the webhook URL supplied at
// submission. Jobs without a webhook URL are skipped.
type JobNotifier struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewJobNotifier creates a new job notifier
func NewJobNotifier() *JobNotifier {
	return &JobNotifier{
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		attempts: webhookAttempts,
		backoff:  webhookBackoff,
	}
}

// NotifyJobTerminal sends the job snapshot to its webhook URL. Non-2xx
// responses and transport errors are retried with a fixed pause. The final
// error is returned so callers can log it, but delivery is best effort and
// never affects the job outcome.
func (n *JobNotifier) NotifyJobTerminal(ctx context.Context, job *model.GenerationJob) error {
	if job == nil || job.WebhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(n.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = n.post(ctx, job.WebhookURL, payload)
		if lastErr == nil {
			logger.InfoCtx(ctx, "webhook delivered, job_id: %s, url: %s, attempt: %d", job.ID, job.WebhookURL, attempt)
			return nil
		}

		logger.WarnCtx(ctx, "webhook delivery failed, job_id: %s, url: %s, attempt: %d, error: %v",
			job.ID, job.WebhookURL, attempt, lastErr)
	}

	return fmt.Errorf("webhook delivery exhausted %d attempts: %w", n.attempts, lastErr)
}

func (n *JobNotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Atelier/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status code: %d", resp.StatusCode)
	}

	return nil
}
