package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestStore builds a fresh SQLiteStore backed by a temp file, with the
// schema already created, for use by a single test.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func discardLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func createSource(t *testing.T, store Store, url, name string, interval int) *Source {
	t.Helper()
	src, err := withTx(context.Background(), store, func(tx Tx) (*Source, error) {
		return tx.CreateSource(context.Background(), url, name, interval, time.Now())
	})
	require.NoError(t, err)
	return src
}

// makeSourcesDue clears every Source's LastChecked so the next scheduler
// tick treats it as due instead of waiting out its interval.
func makeSourcesDue(t *testing.T, store *SQLiteStore) {
	t.Helper()
	_, err := store.db.ExecContext(context.Background(), `UPDATE sources SET last_checked = NULL`)
	require.NoError(t, err)
}

// fakeDecoder returns a fixed set of entries (or an error) every call, and
// counts how many times it was invoked.
type fakeDecoder struct {
	mu      sync.Mutex
	entries []DecodedEntry
	err     error
	calls   int
}

func (f *fakeDecoder) Decode(ctx context.Context, sourceURL string) ([]DecodedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func entryPayload(t *testing.T, link, title string) string {
	t.Helper()
	payload, err := encodeEntry(entryXML{Link: link, Title: title})
	require.NoError(t, err)
	return payload
}

// fakeRanker returns a scripted score (or error) per item URL, recording
// every URL it was asked to rank.
type fakeRanker struct {
	mu          sync.Mutex
	scores      map[string]float64
	errs        map[string]error
	seen        []string
	trainingSet []TrainingExample
}

func newFakeRanker() *fakeRanker {
	return &fakeRanker{scores: map[string]float64{}, errs: map[string]error{}}
}

func (f *fakeRanker) Rank(ctx context.Context, itemURL string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, itemURL)
	if err, ok := f.errs[itemURL]; ok {
		return 0, err
	}
	return f.scores[itemURL], nil
}

func (f *fakeRanker) TrainingSet(ctx context.Context) ([]TrainingExample, error) {
	return f.trainingSet, nil
}

// fakePublisher returns a scripted outcome (optionally cycling through a
// script) and records every message it was asked to send.
type fakePublisher struct {
	mu       sync.Mutex
	outcomes []PublishOutcome
	errs     []error
	idx      int
	sent     []string
}

func (f *fakePublisher) Send(ctx context.Context, message string) (PublishOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	if f.idx >= len(f.outcomes) {
		return PublishDelivered, nil
	}
	outcome := f.outcomes[f.idx]
	var err error
	if f.idx < len(f.errs) {
		err = f.errs[f.idx]
	}
	f.idx++
	return outcome, err
}

// --- P2 / P4: upsert idempotence --------------------------------------------

func TestSchedulerUpsertIsIdempotentAcrossPolls(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	decoder := &fakeDecoder{entries: []DecodedEntry{
		{GUID: "a", Title: "A", Payload: entryPayload(t, "https://example.com/a", "A")},
		{GUID: "b", Title: "B", Payload: entryPayload(t, "https://example.com/b", "B")},
	}}

	sched := NewPollingScheduler(store, decoder, SchedulerConfig{
		MinInterval: 60 * time.Second, MaxInterval: 3600 * time.Second,
		DefaultInterval: 600 * time.Second, AdjustStep: 60 * time.Second, IdleSleep: time.Millisecond,
	}, discardLogger())

	require.True(t, sched.tick(context.Background()))

	count, err := withTx(context.Background(), store, func(tx Tx) (int, error) {
		return tx.ItemCountBySource(context.Background(), src.ID)
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// second run over the same set must not create new items (P4).
	makeSourcesDue(t, store)
	require.True(t, sched.tick(context.Background()))
	count, err = withTx(context.Background(), store, func(tx Tx) (int, error) {
		return tx.ItemCountBySource(context.Background(), src.ID)
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

// --- P3: interval speeds up on new items and clamps at the floor ------------

func TestSchedulerSpeedsUpOnNewItemsAndClampsToFloor(t *testing.T) {
	store := newTestStore(t)
	createSource(t, store, "https://example.com/feed.xml", "Example", 200)

	decoder := &fakeDecoder{entries: []DecodedEntry{
		{GUID: "only", Title: "Only", Payload: entryPayload(t, "https://example.com/only", "Only")},
	}}
	sched := NewPollingScheduler(store, decoder, SchedulerConfig{
		MinInterval: 100 * time.Second, MaxInterval: 3600 * time.Second,
		DefaultInterval: 200 * time.Second, AdjustStep: 60 * time.Second, IdleSleep: time.Millisecond,
	}, discardLogger())

	require.True(t, sched.tick(context.Background()))

	sources, err := withTx(context.Background(), store, func(tx Tx) ([]*Source, error) {
		return tx.ListSources(context.Background())
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, 140, sources[0].IntervalSeconds) // 200 - 60

	// every further poll discovers a fresh item, pushing the interval down
	// until it is clamped at the floor (140 -> 100, not 80 or below).
	for i := 0; i < 3; i++ {
		link := fmt.Sprintf("https://example.com/fresh-%d", i)
		decoder.entries = []DecodedEntry{
			{GUID: fmt.Sprintf("fresh-%d", i), Title: "Fresh", Payload: entryPayload(t, link, "Fresh")},
		}
		makeSourcesDue(t, store)
		require.True(t, sched.tick(context.Background()))
	}

	sources, err = withTx(context.Background(), store, func(tx Tx) ([]*Source, error) {
		return tx.ListSources(context.Background())
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, sources[0].IntervalSeconds, 100)
}

// --- P1 / P5: scoring routes exactly one of scored/error --------------------

func TestScoringDispatcherRoutesSuccessToScoredSlot(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	itemID, err := withTx(context.Background(), store, func(tx Tx) (int64, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return 0, err
		}
		return id, tx.EnqueuePending(context.Background(), id, time.Now())
	})
	require.NoError(t, err)

	ranker := newFakeRanker()
	ranker.scores["https://example.com/1"] = 7.5

	dispatcher := NewScoringDispatcher(store, ranker, time.Millisecond, discardLogger())
	require.True(t, dispatcher.tick(context.Background()))

	_, err = withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		slot, item, _, err := tx.ClaimNextScored(context.Background())
		require.NoError(t, err)
		require.NotNil(t, slot)
		require.Equal(t, itemID, item.ID)
		require.NotNil(t, item.Rank)
		require.Equal(t, 7.5, *item.Rank)
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestScoringDispatcherRoutesZeroRankToErrorSlot(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.EnqueuePending(context.Background(), id, time.Now())
	})
	require.NoError(t, err)

	ranker := newFakeRanker() // defaults to score 0 for unscripted URLs
	dispatcher := NewScoringDispatcher(store, ranker, time.Millisecond, discardLogger())
	require.True(t, dispatcher.tick(context.Background()))

	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 0, stats.ScoredCount)
	require.Equal(t, 1, stats.ErrorCount)
	require.Equal(t, 0, stats.PendingCount)
}

// --- P6: below-threshold items are dropped without calling the publisher ---

func TestPublishingDispatcherSkipsBelowThresholdWithoutSending(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return struct{}{}, err
		}
		if err := tx.EnqueuePending(context.Background(), id, time.Now()); err != nil {
			return struct{}{}, err
		}
		slot, item, _, err := tx.ClaimNextPending(context.Background())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.RecordScore(context.Background(), slot.ID, item.ID, 2.0, time.Now())
	})
	require.NoError(t, err)

	pub := &fakePublisher{}
	dispatcher := NewPublishingDispatcher(store, pub, PublishingDispatcherConfig{
		Threshold: 5.0, IdleSleep: time.Millisecond, RateLimitBack: time.Minute,
	}, discardLogger())

	require.True(t, dispatcher.tick(context.Background()))

	require.Empty(t, pub.sent)
	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 0, stats.ScoredCount)
}

// --- P7: rate limit leaves the slot in place and arms a backoff -----------

func TestPublishingDispatcherBacksOffOnRateLimit(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return struct{}{}, err
		}
		if err := tx.EnqueuePending(context.Background(), id, time.Now()); err != nil {
			return struct{}{}, err
		}
		slot, item, _, err := tx.ClaimNextPending(context.Background())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.RecordScore(context.Background(), slot.ID, item.ID, 9.0, time.Now())
	})
	require.NoError(t, err)

	pub := &fakePublisher{outcomes: []PublishOutcome{PublishRateLimited}}
	dispatcher := NewPublishingDispatcher(store, pub, PublishingDispatcherConfig{
		Threshold: 5.0, IdleSleep: time.Millisecond, RateLimitBack: time.Minute,
	}, discardLogger())

	require.True(t, dispatcher.tick(context.Background()))
	require.Len(t, pub.sent, 1)
	require.NotNil(t, dispatcher.backoffUntil)
	require.True(t, dispatcher.backoffUntil.After(time.Now()))

	// the scored slot must still be present.
	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 1, stats.ScoredCount)
}

func TestPublishingDispatcherDeliversAboveThreshold(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return struct{}{}, err
		}
		if err := tx.EnqueuePending(context.Background(), id, time.Now()); err != nil {
			return struct{}{}, err
		}
		slot, item, _, err := tx.ClaimNextPending(context.Background())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.RecordScore(context.Background(), slot.ID, item.ID, 9.0, time.Now())
	})
	require.NoError(t, err)

	pub := &fakePublisher{outcomes: []PublishOutcome{PublishDelivered}}
	dispatcher := NewPublishingDispatcher(store, pub, PublishingDispatcherConfig{
		Threshold: 5.0, IdleSleep: time.Millisecond, RateLimitBack: time.Minute,
	}, discardLogger())

	require.True(t, dispatcher.tick(context.Background()))
	require.Len(t, pub.sent, 1)
	require.Contains(t, pub.sent[0], "One")
	require.Nil(t, dispatcher.backoffUntil)

	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 0, stats.ScoredCount)
}

// --- decoder-failure isolation: interval unchanged, lastChecked recorded ----

func TestSchedulerDecoderFailureLeavesIntervalUnchanged(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 300)

	decoder := &fakeDecoder{err: fmt.Errorf("connection refused")}
	sched := NewPollingScheduler(store, decoder, SchedulerConfig{
		MinInterval: 60 * time.Second, MaxInterval: 3600 * time.Second,
		DefaultInterval: 300 * time.Second, AdjustStep: 60 * time.Second, IdleSleep: time.Millisecond,
	}, discardLogger())

	require.True(t, sched.tick(context.Background()))

	sources, err := withTx(context.Background(), store, func(tx Tx) ([]*Source, error) {
		return tx.ListSources(context.Background())
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, 300, sources[0].IntervalSeconds)
	require.Equal(t, src.ID, sources[0].ID)
	require.NotNil(t, sources[0].LastChecked)
}

// --- P8: deleting a source cascades to items and all queue slots ----------

func TestDeleteSourceCascadesToItemsAndQueues(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1",
			entryPayload(t, "https://example.com/1", "One"), time.Now())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.EnqueuePending(context.Background(), id, time.Now())
	})
	require.NoError(t, err)

	_, err = withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		return struct{}{}, tx.DeleteSource(context.Background(), src.ID)
	})
	require.NoError(t, err)

	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 0, stats.TotalSources)
	require.Equal(t, 0, stats.TotalItems)
	require.Equal(t, 0, stats.PendingCount)
}

func TestDeleteSourceNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		return struct{}{}, tx.DeleteSource(context.Background(), 999)
	})
	require.ErrorIs(t, err, ErrSourceNotFound)
}

// --- end-to-end: a full poll -> score -> publish pass through three workers

func TestEndToEndPollScoreAndPublish(t *testing.T) {
	store := newTestStore(t)
	createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	decoder := &fakeDecoder{entries: []DecodedEntry{
		{GUID: "hot", Title: "Hot", Payload: entryPayload(t, "https://example.com/hot", "Hot")},
		{GUID: "cold", Title: "Cold", Payload: entryPayload(t, "https://example.com/cold", "Cold")},
	}}
	sched := NewPollingScheduler(store, decoder, SchedulerConfig{
		MinInterval: 60 * time.Second, MaxInterval: 3600 * time.Second,
		DefaultInterval: 600 * time.Second, AdjustStep: 60 * time.Second, IdleSleep: time.Millisecond,
	}, discardLogger())
	require.True(t, sched.tick(context.Background()))

	ranker := newFakeRanker()
	ranker.scores["https://example.com/hot"] = 9.0
	ranker.scores["https://example.com/cold"] = 1.0
	scoring := NewScoringDispatcher(store, ranker, time.Millisecond, discardLogger())
	require.True(t, scoring.tick(context.Background()))
	require.True(t, scoring.tick(context.Background()))
	require.False(t, scoring.tick(context.Background()))

	pub := &fakePublisher{}
	publishing := NewPublishingDispatcher(store, pub, PublishingDispatcherConfig{
		Threshold: 5.0, IdleSleep: time.Millisecond, RateLimitBack: time.Minute,
	}, discardLogger())
	require.True(t, publishing.tick(context.Background()))
	require.True(t, publishing.tick(context.Background()))
	require.False(t, publishing.tick(context.Background()))

	require.Len(t, pub.sent, 1)
	require.Contains(t, pub.sent[0], "Hot")

	stats, err := withTx(context.Background(), store, func(tx Tx) (*Stats, error) {
		return tx.Stats(context.Background(), time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, 0, stats.PendingCount)
	require.Equal(t, 0, stats.ScoredCount)
	require.Equal(t, 2, stats.TotalItems)
}

// --- Supervisor: workers start and stop cleanly -----------------------------

func TestSupervisorStartAndStop(t *testing.T) {
	store := newTestStore(t)
	createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	decoder := &fakeDecoder{}
	sched := NewPollingScheduler(store, decoder, SchedulerConfig{
		MinInterval: 60 * time.Second, MaxInterval: 3600 * time.Second,
		DefaultInterval: 600 * time.Second, AdjustStep: 60 * time.Second, IdleSleep: 10 * time.Millisecond,
	}, discardLogger())
	scoring := NewScoringDispatcher(store, newFakeRanker(), 10*time.Millisecond, discardLogger())
	publishing := NewPublishingDispatcher(store, &fakePublisher{}, PublishingDispatcherConfig{
		Threshold: 5.0, IdleSleep: 10 * time.Millisecond, RateLimitBack: time.Minute,
	}, discardLogger())

	sup := NewSupervisor(store, sched, scoring, publishing, discardLogger())
	require.NoError(t, sup.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx))
}
