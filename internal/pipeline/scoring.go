package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
)

// ScoringDispatcher is worker B: it drains the pending queue, asks the
// Ranker to score each item, and routes the outcome to either the scored
// queue or the error sink.
type ScoringDispatcher struct {
	store     Store
	ranker    Ranker
	idleSleep time.Duration
	log       zerolog.Logger
}

// NewScoringDispatcher builds a ScoringDispatcher.
func NewScoringDispatcher(store Store, ranker Ranker, idleSleep time.Duration, log zerolog.Logger) *ScoringDispatcher {
	return &ScoringDispatcher{store: store, ranker: ranker, idleSleep: idleSleep, log: log.With().Str("worker", "scoring_dispatcher").Logger()}
}

func (d *ScoringDispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if d.tick(ctx) {
			continue
		}
		if !sleepOrDone(ctx, d.idleSleep) {
			return
		}
	}
}

type claimedPending struct {
	slot *PendingSlot
	item *Item
	src  *Source
}

func (d *ScoringDispatcher) tick(ctx context.Context) bool {
	claimed, err := withTx(ctx, d.store, func(tx Tx) (*claimedPending, error) {
		slot, item, src, err := tx.ClaimNextPending(ctx)
		if err != nil {
			return nil, err
		}
		if slot == nil {
			return nil, nil
		}
		return &claimedPending{slot: slot, item: item, src: src}, nil
	})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to claim next pending item")
		return false
	}
	if claimed == nil {
		return false
	}

	link := ExtractLink(claimed.item.Payload)
	if link == "" {
		link = claimed.item.GUID
	}

	now := time.Now()
	start := time.Now()
	rank, rankErr := d.ranker.Rank(ctx, link)
	metrics.RankerRequestDuration.Observe(time.Since(start).Seconds())

	var message string
	success := rankErr == nil && rank != 0
	switch {
	case rankErr != nil:
		message = rankErr.Error()
	case rank == 0:
		message = NewRankZeroFailure().Error()
	}

	_, err = withTx(ctx, d.store, func(tx Tx) (struct{}, error) {
		if success {
			return struct{}{}, tx.RecordScore(ctx, claimed.slot.ID, claimed.item.ID, rank, now)
		}
		return struct{}{}, tx.RecordScoreError(ctx, claimed.slot.ID, claimed.item.ID, message, now)
	})
	if err != nil {
		d.log.Error().Err(err).Int64("item_id", claimed.item.ID).Msg("failed to record scoring outcome")
		return false
	}

	if success {
		metrics.ItemsScoredTotal.WithLabelValues("success").Inc()
		d.log.Info().Int64("item_id", claimed.item.ID).Str("source", claimed.src.Name).Float64("rank", rank).Msg("scored item")
	} else {
		metrics.ItemsScoredTotal.WithLabelValues("error").Inc()
		d.log.Warn().Int64("item_id", claimed.item.ID).Str("source", claimed.src.Name).Str("reason", message).Msg("scoring failed")
	}
	return true
}
