package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
)

// Publisher delivers a formatted message to a single named chat channel.
type Publisher interface {
	Send(ctx context.Context, message string) (PublishOutcome, error)
}

// WebhookPublisher is the concrete Publisher: it posts to a Discord/Slack
// compatible incoming webhook.
type WebhookPublisher struct {
	webhookURL string
	client     *http.Client
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

// NewWebhookPublisher builds a WebhookPublisher posting to webhookURL.
func NewWebhookPublisher(webhookURL string, timeout time.Duration, limiter *rate.Limiter) *WebhookPublisher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "publisher",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.PublisherCircuitBreakerState.Set(float64(to))
		},
	})

	return &WebhookPublisher{
		webhookURL: webhookURL,
		client:     &http.Client{},
		timeout:    timeout,
		breaker:    breaker,
		limiter:    limiter,
	}
}

func (p *WebhookPublisher) Send(ctx context.Context, message string) (PublishOutcome, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return PublishFailed, &PublishFailure{Outcome: PublishFailed, Message: err.Error()}
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doSend(ctx, message)
	})
	if err != nil {
		// doSend's own outcome (including a rate limit) travels in its
		// PublishFailure. Anything else, such as ErrOpenState from a tripped
		// circuit breaker, is a generic failure rather than a rate limit,
		// since it reflects our own policy rather than a signal from the channel.
		var pf *PublishFailure
		if errors.As(err, &pf) {
			return pf.Outcome, pf
		}
		return PublishFailed, &PublishFailure{Outcome: PublishFailed, Message: err.Error()}
	}
	return result.(PublishOutcome), nil
}

func (p *WebhookPublisher) doSend(ctx context.Context, message string) (PublishOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: message})
	if err != nil {
		return PublishFailed, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return PublishFailed, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if IsRateLimitSignal(err.Error()) {
			return PublishRateLimited, &PublishFailure{Outcome: PublishRateLimited, Message: err.Error()}
		}
		return PublishFailed, &PublishFailure{Outcome: PublishFailed, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || IsRateLimitSignal(string(respBody)) {
		return PublishRateLimited, &PublishFailure{Outcome: PublishRateLimited, Message: "rate limited"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		return PublishFailed, &PublishFailure{Outcome: PublishFailed, Message: msg}
	}
	return PublishDelivered, nil
}
