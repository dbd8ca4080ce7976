package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func unlimitedLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func TestHTTPRankerRankParsesScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rank", r.URL.Path)
		assert.Equal(t, "https://example.com/a", r.URL.Query().Get("url"))
		_ = json.NewEncoder(w).Encode(map[string]float64{"rank": 6.5})
	}))
	defer srv.Close()

	ranker := NewHTTPRanker(srv.URL, "", time.Second, unlimitedLimiter())
	score, err := ranker.Rank(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, 6.5, score)
}

func TestHTTPRankerNonOKStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ranker := NewHTTPRanker(srv.URL, "", time.Second, unlimitedLimiter())
	_, err := ranker.Rank(context.Background(), "https://example.com/a")
	require.Error(t, err)
}

func TestHTTPRankerSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]float64{"rank": 1})
	}))
	defer srv.Close()

	ranker := NewHTTPRanker(srv.URL, "secret-token", time.Second, unlimitedLimiter())
	_, err := ranker.Rank(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestWebhookPublisherDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, unlimitedLimiter())
	outcome, err := pub.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, PublishDelivered, outcome)
}

func TestWebhookPublisherDetectsRateLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, unlimitedLimiter())
	outcome, err := pub.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, PublishRateLimited, outcome)
}

func TestWebhookPublisherDetectsRateLimitBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("you are being rate limited, too many requests"))
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, unlimitedLimiter())
	outcome, err := pub.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, PublishRateLimited, outcome)
}

func TestWebhookPublisherOtherFailureIsGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, unlimitedLimiter())
	outcome, err := pub.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, PublishFailed, outcome)
}
