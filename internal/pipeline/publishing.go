package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
)

// PublishingDispatcherConfig holds the tunables for worker C.
type PublishingDispatcherConfig struct {
	Threshold     float64
	IdleSleep     time.Duration
	RateLimitBack time.Duration
}

// PublishingDispatcher is worker C: it drains the scored queue, filters by
// rank threshold, and publishes surviving items via Publisher, honouring a
// self-imposed backoff after a rate-limit signal.
type PublishingDispatcher struct {
	store        Store
	publisher    Publisher
	cfg          PublishingDispatcherConfig
	log          zerolog.Logger
	backoffUntil *time.Time
}

// NewPublishingDispatcher builds a PublishingDispatcher.
func NewPublishingDispatcher(store Store, publisher Publisher, cfg PublishingDispatcherConfig, log zerolog.Logger) *PublishingDispatcher {
	return &PublishingDispatcher{store: store, publisher: publisher, cfg: cfg, log: log.With().Str("worker", "publishing_dispatcher").Logger()}
}

func (d *PublishingDispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if d.backoffUntil != nil {
			remaining := time.Until(*d.backoffUntil)
			if remaining > 0 {
				metrics.BackoffActive.Set(1)
				wait := remaining
				if wait > time.Minute {
					wait = time.Minute
				}
				if !sleepOrDone(ctx, wait) {
					return
				}
				continue
			}
			metrics.BackoffActive.Set(0)
			d.backoffUntil = nil
		}

		if d.tick(ctx) {
			continue
		}
		if !sleepOrDone(ctx, d.cfg.IdleSleep) {
			return
		}
	}
}

type claimedScored struct {
	slot *ScoredSlot
	item *Item
	src  *Source
}

func (d *PublishingDispatcher) tick(ctx context.Context) bool {
	claimed, err := withTx(ctx, d.store, func(tx Tx) (*claimedScored, error) {
		slot, item, src, err := tx.ClaimNextScored(ctx)
		if err != nil {
			return nil, err
		}
		if slot == nil {
			return nil, nil
		}
		return &claimedScored{slot: slot, item: item, src: src}, nil
	})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to claim next scored item")
		return false
	}
	if claimed == nil {
		return false
	}

	if claimed.item.Rank == nil || *claimed.item.Rank < d.cfg.Threshold {
		_, err := withTx(ctx, d.store, func(tx Tx) (struct{}, error) {
			return struct{}{}, tx.FinishScored(ctx, claimed.slot.ID)
		})
		if err != nil {
			d.log.Error().Err(err).Int64("item_id", claimed.item.ID).Msg("failed to drop below-threshold item")
		} else {
			metrics.ItemsPublishedTotal.WithLabelValues("threshold_skip").Inc()
			d.log.Info().Int64("item_id", claimed.item.ID).Msg("skipped item below publish threshold")
		}
		return true
	}

	message := FormatMessage(*claimed.item.Rank, claimed.src.Name, claimed.item.Payload)

	outcome, sendErr := d.publisher.Send(ctx, message)

	var txErr error
	switch outcome {
	case PublishDelivered:
		_, txErr = withTx(ctx, d.store, func(tx Tx) (struct{}, error) {
			return struct{}{}, tx.FinishScored(ctx, claimed.slot.ID)
		})
		if txErr == nil {
			metrics.ItemsPublishedTotal.WithLabelValues("delivered").Inc()
			d.log.Info().Int64("item_id", claimed.item.ID).Msg("published item")
		}
	case PublishRateLimited:
		_, txErr = withTx(ctx, d.store, func(tx Tx) (struct{}, error) {
			return struct{}{}, tx.ReturnScored(ctx, claimed.slot.ID)
		})
		until := time.Now().Add(d.cfg.RateLimitBack)
		d.backoffUntil = &until
		metrics.ItemsPublishedTotal.WithLabelValues("rate_limited").Inc()
		d.log.Warn().Int64("item_id", claimed.item.ID).Time("backoff_until", until).Msg("publisher rate limited")
	case PublishFailed:
		_, txErr = withTx(ctx, d.store, func(tx Tx) (struct{}, error) {
			return struct{}{}, tx.FinishScored(ctx, claimed.slot.ID)
		})
		reason := ""
		if sendErr != nil {
			reason = sendErr.Error()
		}
		metrics.ItemsPublishedTotal.WithLabelValues("failed").Inc()
		d.log.Warn().Int64("item_id", claimed.item.ID).Str("reason", reason).Msg("publish failed, item dropped")
	}
	if txErr != nil {
		d.log.Error().Err(txErr).Int64("item_id", claimed.item.ID).Msg("failed to record publish outcome")
	}
	return true
}
