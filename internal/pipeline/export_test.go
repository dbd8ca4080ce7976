package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoreItem(t *testing.T, store Store, sourceID int64, guid, payload string, rank float64) int64 {
	t.Helper()
	return requireWithTx(t, store, func(tx Tx) (int64, error) {
		itemID, _, err := tx.UpsertItem(context.Background(), sourceID, guid, payload, time.Now())
		if err != nil {
			return 0, err
		}
		return itemID, tx.UpdateItemRank(context.Background(), itemID, rank, time.Now())
	})
}

func requireWithTx[T any](t *testing.T, store Store, fn func(tx Tx) (T, error)) T {
	t.Helper()
	result, err := withTx(context.Background(), store, fn)
	require.NoError(t, err)
	return result
}

func TestBuildExportFeedFiltersByMinRank(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	scoreItem(t, store, src.ID, "g1", entryPayload(t, "https://example.com/hot", "Hot"), 9.0)
	scoreItem(t, store, src.ID, "g2", entryPayload(t, "https://example.com/cold", "Cold"), 2.0)

	items, err := BuildExportFeed(context.Background(), store, 8.0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Hot", items[0].Title)
}

func TestBuildExportFeedDeduplicatesByLinkAndTitle(t *testing.T) {
	store := newTestStore(t)
	src1 := createSource(t, store, "https://a.example.com/feed.xml", "A", 600)
	src2 := createSource(t, store, "https://b.example.com/feed.xml", "B", 600)

	// Candidates are walked newest first, so g1 (stored last) is kept.
	// Same URL as g1 from a different source/guid: deduped by link.
	scoreItem(t, store, src2.ID, "g2", entryPayload(t, "https://story.example.com/x", "Big Story (wire)"), 8.5)
	// Same title as g1, different URL: deduped by title.
	scoreItem(t, store, src2.ID, "g3", entryPayload(t, "https://story.example.com/y", "Big Story"), 8.2)
	scoreItem(t, store, src1.ID, "g1", entryPayload(t, "https://story.example.com/x", "Big Story"), 9.0)

	items, err := BuildExportFeed(context.Background(), store, 8.0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestBuildExportFeedRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	for i := 0; i < 5; i++ {
		guid := "g" + string(rune('a'+i))
		link := "https://example.com/" + string(rune('a'+i))
		scoreItem(t, store, src.ID, guid, entryPayload(t, link, "Story "+string(rune('a'+i))), 9.0)
	}

	items, err := BuildExportFeed(context.Background(), store, 8.0, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRenderRSSIncludesChannelAndItemFields(t *testing.T) {
	items := []ExportItem{{
		Title: "Hot Story", Link: "https://example.com/a", Description: "a summary",
		GUID: "guid-1", SourceName: "Example", SourceURL: "https://example.com", Rank: 9.0,
	}}

	body, err := RenderRSS("My Feed", "https://example.com", "desc", items, time.Now())
	require.NoError(t, err)

	doc := string(body)
	assert.Contains(t, doc, "<rss version=\"2.0\">")
	assert.Contains(t, doc, "<title>My Feed</title>")
	assert.Contains(t, doc, "Hot Story")
	assert.Contains(t, doc, "isPermaLink=\"false\"")
	assert.Contains(t, doc, "<score>9.0</score>")
}

func TestStripHTMLRemovesTagsAndDecodesEntities(t *testing.T) {
	assert.Equal(t, "Tom &amp; Jerry", stripHTML("<p>Tom <b>&amp;amp;</b> Jerry</p>"))
	assert.Equal(t, "", stripHTML(""))
}

func TestSyncTrainingScoresUpdatesMatchingItemByLink(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)

	itemID := scoreItem(t, store, src.ID, "g1", entryPayload(t, "https://example.com/a", "Story A"), 5.0)

	ranker := newFakeRanker()
	ranker.trainingSet = []TrainingExample{{URL: "https://example.com/a", Score: 9.5}}

	updated, err := SyncTrainingScores(context.Background(), store, ranker)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	item, err := withTx(context.Background(), store, func(tx Tx) (*Item, error) {
		items, err := tx.ListAllItems(context.Background())
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.ID == itemID {
				return it, nil
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, item.Rank)
	assert.Equal(t, 9.5, *item.Rank)
}

func TestSyncTrainingScoresSkipsUnmatchedAndUnchangedItems(t *testing.T) {
	store := newTestStore(t)
	src := createSource(t, store, "https://example.com/feed.xml", "Example", 600)
	scoreItem(t, store, src.ID, "g1", entryPayload(t, "https://example.com/a", "Story A"), 9.5)
	scoreItem(t, store, src.ID, "g2", entryPayload(t, "https://example.com/b", "Story B"), 3.0)

	ranker := newFakeRanker()
	ranker.trainingSet = []TrainingExample{
		{URL: "https://example.com/a", Score: 9.5},    // unchanged
		{URL: "https://example.com/unknown", Score: 1}, // no matching item
	}

	updated, err := SyncTrainingScores(context.Background(), store, ranker)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
}

func TestSyncTrainingScoresEmptyTrainingSetIsNoop(t *testing.T) {
	store := newTestStore(t)
	ranker := newFakeRanker()

	updated, err := SyncTrainingScores(context.Background(), store, ranker)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
}
