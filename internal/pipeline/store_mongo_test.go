package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// newTestMongoStore spins up a disposable single-node replica set via
// testcontainers and returns a MongoStore over it. Skips the test outright
// if no container runtime is available, since this suite also runs in
// environments without Docker.
func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("mongodb test container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	store := NewMongoStore(client.Database("newsfeed_test"))
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestMongoStoreUpsertIsIdempotent(t *testing.T) {
	store := newTestMongoStore(t)

	src, err := withTx(context.Background(), store, func(tx Tx) (*Source, error) {
		return tx.CreateSource(context.Background(), "https://example.com/feed.xml", "Example", 600, time.Now())
	})
	require.NoError(t, err)

	id1, err := withTx(context.Background(), store, func(tx Tx) (int64, error) {
		id, isNew, err := tx.UpsertItem(context.Background(), src.ID, "g1", "<entry/>", time.Now())
		require.True(t, isNew)
		return id, err
	})
	require.NoError(t, err)

	id2, err := withTx(context.Background(), store, func(tx Tx) (int64, error) {
		id, isNew, err := tx.UpsertItem(context.Background(), src.ID, "g1", "<entry/>", time.Now())
		require.False(t, isNew)
		return id, err
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestMongoStoreDeleteSourceCascades(t *testing.T) {
	store := newTestMongoStore(t)

	src, err := withTx(context.Background(), store, func(tx Tx) (*Source, error) {
		return tx.CreateSource(context.Background(), "https://example.com/feed.xml", "Example", 600, time.Now())
	})
	require.NoError(t, err)

	_, err = withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1", "<entry/>", time.Now())
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
}

func TestMongoStoreListItemsAboveRankAndUpdateItemRank(t *testing.T) {
	store := newTestMongoStore(t)

	src, err := withTx(context.Background(), store, func(tx Tx) (*Source, error) {
		return tx.CreateSource(context.Background(), "https://example.com/feed.xml", "Example", 600, time.Now())
	})
	require.NoError(t, err)

	itemID, err := withTx(context.Background(), store, func(tx Tx) (int64, error) {
		id, _, err := tx.UpsertItem(context.Background(), src.ID, "g1", "<entry/>", time.Now())
		return id, err
	})
	require.NoError(t, err)

	_, err = withTx(context.Background(), store, func(tx Tx) (struct{}, error) {
		return struct{}{}, tx.UpdateItemRank(context.Background(), itemID, 9.0, time.Now())
	})
	require.NoError(t, err)

	ranked, err := withTx(context.Background(), store, func(tx Tx) ([]*RankedItem, error) {
		return tx.ListItemsAboveRank(context.Background(), 8.0, 10)
	})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	require.NotNil(t, ranked[0].Item.Rank)
	require.Equal(t, 9.0, *ranked[0].Item.Rank)
	require.Equal(t, "Example", ranked[0].SourceName)

	all, err := withTx(context.Background(), store, func(tx Tx) ([]*Item, error) {
		return tx.ListAllItems(context.Background())
	})
	require.NoError(t, err)
	require.Len(t, all, 1)
}
