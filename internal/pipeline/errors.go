package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSourceNotFound is returned by Store.DeleteSource when no row matches.
var ErrSourceNotFound = errors.New("source not found")

// StoreFailure wraps any persistence-layer error, regardless of backend.
// Workers check for it with errors.As rather than inspecting driver-specific types.
type StoreFailure struct {
	Op  string
	Err error
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreFailure) Unwrap() error { return e.Err }

// NewStoreFailure wraps err as a StoreFailure, or returns nil if err is nil.
func NewStoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreFailure{Op: op, Err: err}
}

// DecoderFailure is a network or parse error fetching a Source's feed.
type DecoderFailure struct {
	URL string
	Err error
}

func (e *DecoderFailure) Error() string {
	return fmt.Sprintf("decoder failure for %s: %v", e.URL, e.Err)
}

func (e *DecoderFailure) Unwrap() error { return e.Err }

// RankerFailure is a timeout, non-2xx, or malformed response from the Ranker.
// RankZero (score == 0) is represented as a RankerFailure with a fixed message.
type RankerFailure struct {
	Message string
}

func (e *RankerFailure) Error() string { return e.Message }

// ScoreReturnedZeroMessage is the ErrorSlot message recorded when the Ranker
// reports a zero rank. The original implementation treats this as an error,
// not a silently-dropped item; this behaviour is preserved.
const ScoreReturnedZeroMessage = "Score returned 0"

// NewRankZeroFailure builds the RankerFailure used for a zero-valued rank.
func NewRankZeroFailure() *RankerFailure {
	return &RankerFailure{Message: ScoreReturnedZeroMessage}
}

// PublishOutcome classifies the result of a Publisher.Send call. A typed
// outcome is used at the dispatcher layer instead of the substring test the
// original implementation performed on an error string; adapters that only
// have an HTTP status/body still have to interpret it into one of these.
type PublishOutcome int

const (
	// PublishDelivered indicates the message was accepted by the chat channel.
	PublishDelivered PublishOutcome = iota
	// PublishRateLimited indicates a rate-limit signal; the caller should
	// leave the item in place and back off before the next attempt.
	PublishRateLimited
	// PublishFailed indicates any other delivery failure; the item is not retried.
	PublishFailed
)

func (o PublishOutcome) String() string {
	switch o {
	case PublishDelivered:
		return "delivered"
	case PublishRateLimited:
		return "rate_limited"
	case PublishFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PublishFailure carries the reason a Publish attempt did not result in
// PublishDelivered.
type PublishFailure struct {
	Outcome PublishOutcome
	Message string
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish %s: %s", e.Outcome, e.Message)
}

// IsRateLimitSignal reports whether msg looks like a rate-limit response,
// using the same case-insensitive substring test the original implementation
// used when it only had an error string to inspect.
func IsRateLimitSignal(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many")
}
