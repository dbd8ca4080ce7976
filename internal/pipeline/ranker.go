package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
)

// Ranker asks an external scoring service to rank an item by URL. A
// zero-valued rank is not special-cased here: the caller (ScoringDispatcher)
// is responsible for turning rank==0 into NewRankZeroFailure.
type Ranker interface {
	Rank(ctx context.Context, itemURL string) (float64, error)
	// TrainingSet returns the (url, score) pairs the scoring service has
	// learned from so far. Used by SyncTrainingScores, never by the pipeline workers.
	TrainingSet(ctx context.Context) ([]TrainingExample, error)
}

// TrainingExample is one row of the Ranker's /training_set response.
type TrainingExample struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// HTTPRanker is the concrete Ranker: a small JSON/HTTP client wrapped in a
// circuit breaker and a token-bucket limiter so a misbehaving scoring
// service cannot be hammered at the scheduler's full speed.
type HTTPRanker struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPRanker builds an HTTPRanker against baseURL, authenticating with
// token (may be empty), bounded by timeout per call.
func NewHTTPRanker(baseURL, token string, timeout time.Duration, limiter *rate.Limiter) *HTTPRanker {
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // the original implementation does not retry ranker calls
	client.Logger = nil

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "ranker",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RankerCircuitBreakerState.Set(float64(to))
		},
	})

	return &HTTPRanker{
		baseURL: baseURL,
		token:   token,
		client:  client,
		timeout: timeout,
		breaker: breaker,
		limiter: limiter,
	}
}

func (r *HTTPRanker) Rank(ctx context.Context, itemURL string) (float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, &RankerFailure{Message: err.Error()}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.doRank(ctx, itemURL)
	})
	if err != nil {
		return 0, &RankerFailure{Message: err.Error()}
	}
	return result.(float64), nil
}

func (r *HTTPRanker) doRank(ctx context.Context, itemURL string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/rank?url=%s", r.baseURL, url.QueryEscape(itemURL))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	r.applyAuth(req.Request)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("ranker returned status %d", resp.StatusCode)
	}

	var body struct {
		Rank float64 `json:"rank"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("malformed ranker response: %w", err)
	}
	return body.Rank, nil
}

func (r *HTTPRanker) TrainingSet(ctx context.Context) ([]TrainingExample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/training_set", r.baseURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	r.applyAuth(req.Request)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ranker returned status %d", resp.StatusCode)
	}

	var body struct {
		Items []TrainingExample `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("malformed training_set response: %w", err)
	}
	return body.Items, nil
}

func (r *HTTPRanker) applyAuth(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
