package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
)

// SchedulerConfig holds the tunables for the adaptive polling loop.
type SchedulerConfig struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	DefaultInterval time.Duration
	AdjustStep      time.Duration
	IdleSleep       time.Duration
}

// PollingScheduler is worker A: it drives the Store and SourceDecoder to
// discover new items and adapts each Source's polling interval based on
// whether the last poll produced anything new.
type PollingScheduler struct {
	store   Store
	decoder SourceDecoder
	cfg     SchedulerConfig
	log     zerolog.Logger
}

// NewPollingScheduler builds a PollingScheduler.
func NewPollingScheduler(store Store, decoder SourceDecoder, cfg SchedulerConfig, log zerolog.Logger) *PollingScheduler {
	return &PollingScheduler{store: store, decoder: decoder, cfg: cfg, log: log.With().Str("worker", "polling_scheduler").Logger()}
}

// Run blocks, iterating the loop described in the polling scheduler design,
// until ctx is cancelled.
func (p *PollingScheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.tick(ctx) {
			continue
		}
		if !sleepOrDone(ctx, p.cfg.IdleSleep) {
			return
		}
	}
}

// tick runs a single loop iteration and reports whether the caller should
// immediately retry without sleeping (a source was actually polled).
func (p *PollingScheduler) tick(ctx context.Context) bool {
	now := time.Now()

	source, err := withTx(ctx, p.store, func(tx Tx) (*Source, error) {
		return tx.NextSourceDueForCheck(ctx, now)
	})
	if err != nil {
		p.log.Error().Err(err).Msg("failed to fetch next source due for check")
		return false
	}
	if source == nil {
		return false
	}

	nextCheck := source.CreatedAt
	if source.LastChecked != nil {
		nextCheck = source.LastChecked.Add(time.Duration(source.IntervalSeconds) * time.Second)
	} else {
		nextCheck = now
	}
	if nextCheck.After(now) {
		return false
	}

	entries, decodeErr := p.decoder.Decode(ctx, source.URL)
	if decodeErr != nil {
		metrics.SourcesPolledTotal.WithLabelValues("decoder_failure").Inc()
		p.log.Warn().Err(decodeErr).Str("source_url", source.URL).Msg("decoder failure, leaving interval unchanged")
		_, err := withTx(ctx, p.store, func(tx Tx) (struct{}, error) {
			return struct{}{}, tx.UpdateSourceAfterPoll(ctx, source.ID, source.IntervalSeconds, now)
		})
		if err != nil {
			p.log.Error().Err(err).Msg("failed to record decoder failure")
		}
		return true
	}

	newCount, err := withTx(ctx, p.store, func(tx Tx) (int, error) {
		count := 0
		for _, entry := range entries {
			if entry.GUID == "" {
				continue
			}
			itemID, isNew, err := tx.UpsertItem(ctx, source.ID, entry.GUID, entry.Payload, now)
			if err != nil {
				return 0, err
			}
			if !isNew {
				continue
			}
			if err := tx.EnqueuePending(ctx, itemID, now); err != nil {
				return 0, err
			}
			count++
		}

		newInterval := p.nextInterval(source.IntervalSeconds, count)
		if err := tx.UpdateSourceAfterPoll(ctx, source.ID, newInterval, now); err != nil {
			return 0, err
		}
		return count, nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("source_url", source.URL).Msg("failed to commit poll results")
		return false
	}

	metrics.SourcesPolledTotal.WithLabelValues("success").Inc()
	metrics.ItemsDiscoveredTotal.Add(float64(newCount))
	metrics.SourceIntervalSeconds.WithLabelValues(source.Name).Set(float64(p.nextInterval(source.IntervalSeconds, newCount)))
	p.log.Info().Str("source_url", source.URL).Int("new_items", newCount).Msg("polled source")
	return true
}

func (p *PollingScheduler) nextInterval(current, newCount int) int {
	step := int(p.cfg.AdjustStep / time.Second)
	min := int(p.cfg.MinInterval / time.Second)
	max := int(p.cfg.MaxInterval / time.Second)

	next := current
	if newCount > 0 {
		next -= step
		if next < min {
			next = min
		}
	} else {
		next += step
		if next > max {
			next = max
		}
	}
	return next
}

// sleepOrDone sleeps for d, returning false early (without sleeping the
// full duration) if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
