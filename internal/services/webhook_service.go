package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/internal/ratelimit"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// WebhookService delivers the terminal-status callback for tasks that
// registered a webhook URL. Deliveries are signed, retried with exponential
// backoff and rate limited per destination.
type WebhookService interface {
	TaskFinished(ctx context.Context, task *domain.Task)
}

type webhookService struct {
	logger      *slog.Logger
	secret      string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	limiter ratelimit.Limiter
	bucket  ratelimit.Bucket
}

func NewWebhookService(logger *slog.Logger, secret string, maxAttempts, baseDelaySeconds, maxDelaySeconds int, limiter ratelimit.Limiter, bucket ratelimit.Bucket) WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelaySeconds <= 0 {
		baseDelaySeconds = 2
	}
	if maxDelaySeconds <= 0 {
		maxDelaySeconds = 60
	}
	return &webhookService{
		logger:      logger,
		secret:      secret,
		maxAttempts: maxAttempts,
		baseDelay:   time.Duration(baseDelaySeconds) * time.Second,
		maxDelay:    time.Duration(maxDelaySeconds) * time.Second,
		limiter:     limiter,
		bucket:      bucket,
	}
}

func (s *webhookService) TaskFinished(ctx context.Context, task *domain.Task) {
	if strings.TrimSpace(task.Webhook) == "" {
		return
	}
	payload := map[string]any{
		"taskId":      task.ID,
		"type":        string(task.Type),
		"workspaceId": task.WorkspaceID,
		"status":      string(task.Status),
		"progress":    task.Progress,
		"result":      task.Result,
		"errorLog":    task.ErrorLog,
		"finishedAt":  task.UpdatedAt,
	}
	b, _ := json.Marshal(payload)
	go s.sendWithRetry(context.Background(), task.Type, task.Webhook, b)
}

func (s *webhookService) sendWithRetry(ctx context.Context, taskType domain.TaskType, url string, body []byte) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if s.limiter != nil && s.bucket.Enabled() {
			for {
				dec, err := s.limiter.Allow(ctx, "webhook", url, s.bucket)
				if err != nil {
					// Fail open.
					break
				}
				if dec.Allowed {
					break
				}
				metrics.RateLimitHitsTotal.WithLabelValues("webhook", "task_finished").Inc()
				if sleepOrDone(ctx, dec.RetryAfter) != nil {
					return
				}
			}
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		s.addSignature(req, body)
		resp, err := http.DefaultClient.Do(req)
		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(taskType), "success").Inc()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if sleepOrDone(ctx, s.backoffDelay(attempt)) != nil {
			return
		}
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(taskType), "failure").Inc()
	s.logger.Warn("task webhook delivery failed", "url", url)
}

func (s *webhookService) backoffDelay(attempt int) time.Duration {
	d := s.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *webhookService) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := time.Now().UTC().Unix()
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-MediaQ-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-MediaQ-Signature", sig)
}
