package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is an alternate Store backend for operators who already run a
// MongoDB replica set for other FlowCatalyst-style services. It implements
// the same Store contract as SQLiteStore using multi-document transactions,
// which require the backing deployment to be a replica set (or mongos).
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wraps an already-connected *mongo.Database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) sources() *mongo.Collection      { return s.db.Collection("sources") }
func (s *MongoStore) items() *mongo.Collection        { return s.db.Collection("items") }
func (s *MongoStore) pendingSlots() *mongo.Collection { return s.db.Collection("pending_slots") }
func (s *MongoStore) scoredSlots() *mongo.Collection  { return s.db.Collection("scored_slots") }
func (s *MongoStore) errorSlots() *mongo.Collection   { return s.db.Collection("error_slots") }
func (s *MongoStore) counters() *mongo.Collection     { return s.db.Collection("counters") }

func (s *MongoStore) EnsureSchema(ctx context.Context) error {
	_, err := s.items().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sourceId", Value: 1}, {Key: "guid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return NewStoreFailure("ensure_schema_items_index", err)
	}
	_, err = s.sources().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return NewStoreFailure("ensure_schema_sources_index", err)
}

func (s *MongoStore) Close() error { return nil }

// nextID allocates a monotonically increasing integer id for collection
// name, emulating the autoincrement primary keys the Store contract expects.
func (s *MongoStore) nextID(ctx context.Context, sctx mongo.SessionContext, name string) (int64, error) {
	result := s.counters().FindOneAndUpdate(
		sctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := result.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) Begin(ctx context.Context) (Tx, error) {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return nil, NewStoreFailure("begin", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, NewStoreFailure("begin", err)
	}
	sctx := mongo.NewSessionContext(ctx, session)
	return &mongoTx{store: s, session: session, sctx: sctx}, nil
}

type mongoTx struct {
	store   *MongoStore
	session mongo.Session
	sctx    mongo.SessionContext
	done    bool
}

func (t *mongoTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(t.sctx)
	return NewStoreFailure("commit", t.session.CommitTransaction(t.sctx))
}

func (t *mongoTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(t.sctx)
	err := t.session.AbortTransaction(t.sctx)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return NewStoreFailure("rollback", err)
	}
	return nil
}

type mongoSourceDoc struct {
	ID              int64      `bson:"_id"`
	URL             string     `bson:"url"`
	Name            string     `bson:"name"`
	LastChecked     *time.Time `bson:"lastChecked"`
	IntervalSeconds int        `bson:"intervalSeconds"`
	CreatedAt       time.Time  `bson:"createdAt"`
}

func (d *mongoSourceDoc) toModel() *Source {
	return &Source{
		ID: d.ID, URL: d.URL, Name: d.Name, LastChecked: d.LastChecked,
		IntervalSeconds: d.IntervalSeconds, CreatedAt: d.CreatedAt,
	}
}

type mongoItemDoc struct {
	ID           int64      `bson:"_id"`
	SourceID     int64      `bson:"sourceId"`
	GUID         string     `bson:"guid"`
	Payload      string     `bson:"payload"`
	DiscoveredAt time.Time  `bson:"discoveredAt"`
	Rank         *float64   `bson:"rank"`
	RankedAt     *time.Time `bson:"rankedAt"`
}

func (d *mongoItemDoc) toModel() *Item {
	return &Item{
		ID: d.ID, SourceID: d.SourceID, GUID: d.GUID, Payload: d.Payload,
		DiscoveredAt: d.DiscoveredAt, Rank: d.Rank, RankedAt: d.RankedAt,
	}
}

func (t *mongoTx) NextSourceDueForCheck(ctx context.Context, now time.Time) (*Source, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "lastChecked", Value: 1}})
	var doc mongoSourceDoc
	err := t.store.sources().FindOne(t.sctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreFailure("next_source_due", err)
	}
	return doc.toModel(), nil
}

func (t *mongoTx) UpsertItem(ctx context.Context, sourceID int64, guid, payload string, discoveredAt time.Time) (int64, bool, error) {
	var existing mongoItemDoc
	err := t.store.items().FindOne(t.sctx, bson.M{"sourceId": sourceID, "guid": guid}).Decode(&existing)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, NewStoreFailure("upsert_item_lookup", err)
	}

	id, err := t.store.nextID(ctx, t.sctx, "items")
	if err != nil {
		return 0, false, NewStoreFailure("upsert_item_id", err)
	}
	doc := mongoItemDoc{ID: id, SourceID: sourceID, GUID: guid, Payload: payload, DiscoveredAt: discoveredAt}
	if _, err := t.store.items().InsertOne(t.sctx, doc); err != nil {
		return 0, false, NewStoreFailure("upsert_item_insert", err)
	}
	return id, true, nil
}

func (t *mongoTx) EnqueuePending(ctx context.Context, itemID int64, now time.Time) error {
	id, err := t.store.nextID(ctx, t.sctx, "pending_slots")
	if err != nil {
		return NewStoreFailure("enqueue_pending_id", err)
	}
	_, err = t.store.pendingSlots().InsertOne(t.sctx, bson.M{"_id": id, "itemId": itemID, "createdAt": now})
	return NewStoreFailure("enqueue_pending", err)
}

func (t *mongoTx) UpdateSourceAfterPoll(ctx context.Context, sourceID int64, newInterval int, now time.Time) error {
	_, err := t.store.sources().UpdateOne(t.sctx, bson.M{"_id": sourceID},
		bson.M{"$set": bson.M{"lastChecked": now, "intervalSeconds": newInterval}})
	return NewStoreFailure("update_source_after_poll", err)
}

func (t *mongoTx) claimSlot(ctx context.Context, coll *mongo.Collection) (id, itemID int64, createdAt time.Time, found bool, err error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	var doc struct {
		ID        int64     `bson:"_id"`
		ItemID    int64     `bson:"itemId"`
		CreatedAt time.Time `bson:"createdAt"`
	}
	e := coll.FindOne(t.sctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(e, mongo.ErrNoDocuments) {
		return 0, 0, time.Time{}, false, nil
	}
	if e != nil {
		return 0, 0, time.Time{}, false, e
	}
	return doc.ID, doc.ItemID, doc.CreatedAt, true, nil
}

func (t *mongoTx) ClaimNextPending(ctx context.Context) (*PendingSlot, *Item, *Source, error) {
	id, itemID, createdAt, found, err := t.claimSlot(ctx, t.store.pendingSlots())
	if err != nil {
		return nil, nil, nil, NewStoreFailure("claim_next_pending", err)
	}
	if !found {
		return nil, nil, nil, nil
	}
	item, src, err := t.loadItemAndSource(itemID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &PendingSlot{ID: id, ItemID: itemID, CreatedAt: createdAt}, item, src, nil
}

func (t *mongoTx) RecordScore(ctx context.Context, slotID, itemID int64, rank float64, now time.Time) error {
	if _, err := t.store.pendingSlots().DeleteOne(t.sctx, bson.M{"_id": slotID}); err != nil {
		return NewStoreFailure("record_score_delete_pending", err)
	}
	if _, err := t.store.items().UpdateOne(t.sctx, bson.M{"_id": itemID},
		bson.M{"$set": bson.M{"rank": rank, "rankedAt": now}}); err != nil {
		return NewStoreFailure("record_score_update_item", err)
	}
	id, err := t.store.nextID(ctx, t.sctx, "scored_slots")
	if err != nil {
		return NewStoreFailure("record_score_id", err)
	}
	_, err = t.store.scoredSlots().InsertOne(t.sctx, bson.M{"_id": id, "itemId": itemID, "createdAt": now})
	return NewStoreFailure("record_score_insert_scored", err)
}

func (t *mongoTx) RecordScoreError(ctx context.Context, slotID, itemID int64, message string, now time.Time) error {
	if _, err := t.store.pendingSlots().DeleteOne(t.sctx, bson.M{"_id": slotID}); err != nil {
		return NewStoreFailure("record_score_error_delete_pending", err)
	}
	id, err := t.store.nextID(ctx, t.sctx, "error_slots")
	if err != nil {
		return NewStoreFailure("record_score_error_id", err)
	}
	_, err = t.store.errorSlots().InsertOne(t.sctx, bson.M{"_id": id, "itemId": itemID, "message": message, "createdAt": now})
	return NewStoreFailure("record_score_error_insert", err)
}

func (t *mongoTx) ClaimNextScored(ctx context.Context) (*ScoredSlot, *Item, *Source, error) {
	id, itemID, createdAt, found, err := t.claimSlot(ctx, t.store.scoredSlots())
	if err != nil {
		return nil, nil, nil, NewStoreFailure("claim_next_scored", err)
	}
	if !found {
		return nil, nil, nil, nil
	}
	item, src, err := t.loadItemAndSource(itemID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &ScoredSlot{ID: id, ItemID: itemID, CreatedAt: createdAt}, item, src, nil
}

func (t *mongoTx) FinishScored(ctx context.Context, slotID int64) error {
	_, err := t.store.scoredSlots().DeleteOne(t.sctx, bson.M{"_id": slotID})
	return NewStoreFailure("finish_scored", err)
}

func (t *mongoTx) ReturnScored(ctx context.Context, slotID int64) error { return nil }

func (t *mongoTx) CreateSource(ctx context.Context, url, name string, defaultInterval int, now time.Time) (*Source, error) {
	id, err := t.store.nextID(ctx, t.sctx, "sources")
	if err != nil {
		return nil, NewStoreFailure("create_source_id", err)
	}
	doc := mongoSourceDoc{ID: id, URL: url, Name: name, IntervalSeconds: defaultInterval, CreatedAt: now}
	if _, err := t.store.sources().InsertOne(t.sctx, doc); err != nil {
		return nil, NewStoreFailure("create_source", err)
	}
	return doc.toModel(), nil
}

func (t *mongoTx) DeleteSource(ctx context.Context, sourceID int64) error {
	res, err := t.store.sources().DeleteOne(t.sctx, bson.M{"_id": sourceID})
	if err != nil {
		return NewStoreFailure("delete_source", err)
	}
	if res.DeletedCount == 0 {
		return NewStoreFailure("delete_source", ErrSourceNotFound)
	}

	cursor, err := t.store.items().Find(t.sctx, bson.M{"sourceId": sourceID})
	if err != nil {
		return NewStoreFailure("delete_source_find_items", err)
	}
	var itemIDs []int64
	for cursor.Next(t.sctx) {
		var doc struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(t.sctx)
			return NewStoreFailure("delete_source_scan_items", err)
		}
		itemIDs = append(itemIDs, doc.ID)
	}
	cursor.Close(t.sctx)

	if _, err := t.store.items().DeleteMany(t.sctx, bson.M{"sourceId": sourceID}); err != nil {
		return NewStoreFailure("delete_source_items", err)
	}
	if len(itemIDs) == 0 {
		return nil
	}
	filter := bson.M{"itemId": bson.M{"$in": itemIDs}}
	if _, err := t.store.pendingSlots().DeleteMany(t.sctx, filter); err != nil {
		return NewStoreFailure("delete_source_pending", err)
	}
	if _, err := t.store.scoredSlots().DeleteMany(t.sctx, filter); err != nil {
		return NewStoreFailure("delete_source_scored", err)
	}
	if _, err := t.store.errorSlots().DeleteMany(t.sctx, filter); err != nil {
		return NewStoreFailure("delete_source_errors", err)
	}
	return nil
}

func (t *mongoTx) ListSources(ctx context.Context) ([]*Source, error) {
	cursor, err := t.store.sources().Find(t.sctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, NewStoreFailure("list_sources", err)
	}
	defer cursor.Close(t.sctx)

	var sources []*Source
	for cursor.Next(t.sctx) {
		var doc mongoSourceDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewStoreFailure("list_sources_scan", err)
		}
		sources = append(sources, doc.toModel())
	}
	return sources, NewStoreFailure("list_sources_cursor", cursor.Err())
}

func (t *mongoTx) ItemCountBySource(ctx context.Context, sourceID int64) (int, error) {
	count, err := t.store.items().CountDocuments(t.sctx, bson.M{"sourceId": sourceID})
	if err != nil {
		return 0, NewStoreFailure("item_count_by_source", err)
	}
	return int(count), nil
}

func (t *mongoTx) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var err error
	if stats.TotalSources, err = countInt(t.sctx, t.store.sources(), bson.M{}); err != nil {
		return nil, NewStoreFailure("stats_total_sources", err)
	}
	if stats.TotalItems, err = countInt(t.sctx, t.store.items(), bson.M{}); err != nil {
		return nil, NewStoreFailure("stats_total_items", err)
	}
	if stats.ItemsToday, err = countInt(t.sctx, t.store.items(), bson.M{"discoveredAt": bson.M{"$gte": dayStart}}); err != nil {
		return nil, NewStoreFailure("stats_items_today", err)
	}
	if stats.PendingCount, err = countInt(t.sctx, t.store.pendingSlots(), bson.M{}); err != nil {
		return nil, NewStoreFailure("stats_pending", err)
	}
	if stats.ScoredCount, err = countInt(t.sctx, t.store.scoredSlots(), bson.M{}); err != nil {
		return nil, NewStoreFailure("stats_scored", err)
	}
	if stats.ErrorCount, err = countInt(t.sctx, t.store.errorSlots(), bson.M{}); err != nil {
		return nil, NewStoreFailure("stats_errors", err)
	}
	if stats.ItemsScoredToday, err = countInt(t.sctx, t.store.items(), bson.M{"rankedAt": bson.M{"$gte": dayStart}}); err != nil {
		return nil, NewStoreFailure("stats_scored_today", err)
	}
	if stats.TotalSources > 0 {
		stats.AvgItemsPerSource = float64(stats.TotalItems) / float64(stats.TotalSources)
	}

	sources, err := t.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	aggs := make(map[int64]*sourceAgg, len(sources))
	for _, src := range sources {
		aggs[src.ID] = &sourceAgg{name: src.Name}
	}
	cursor, err := t.store.items().Find(t.sctx, bson.M{})
	if err != nil {
		return nil, NewStoreFailure("stats_items_scan", err)
	}
	for cursor.Next(t.sctx) {
		var doc mongoItemDoc
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(t.sctx)
			return nil, NewStoreFailure("stats_items_decode", err)
		}
		a, ok := aggs[doc.SourceID]
		if !ok {
			continue
		}
		a.count++
		if doc.Rank != nil {
			a.rankSum += *doc.Rank
			a.rankCount++
		}
	}
	cursor.Close(t.sctx)

	for id, a := range aggs {
		if a.count == 0 {
			stats.SourcesWithNoItems = append(stats.SourcesWithNoItems, a.name)
		}
		_ = id
	}
	stats.TopSourcesByItems = topByItemCount(aggs, 3)
	stats.TopSourcesByRank = topByAvgRank(aggs, 10)

	return stats, nil
}

// sourceAgg accumulates per-source item counts and rank totals while
// scanning items once to build both the Stats top-lists.
type sourceAgg struct {
	name      string
	count     int
	rankSum   float64
	rankCount int
}

func topByItemCount(aggs map[int64]*sourceAgg, limit int) []SourceItemCount {
	result := make([]SourceItemCount, 0, len(aggs))
	for _, a := range aggs {
		result = append(result, SourceItemCount{SourceName: a.name, ItemCount: a.count})
	}
	sortDescItems(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func topByAvgRank(aggs map[int64]*sourceAgg, limit int) []SourceAvgRank {
	result := make([]SourceAvgRank, 0, len(aggs))
	for _, a := range aggs {
		if a.rankCount == 0 {
			continue
		}
		result = append(result, SourceAvgRank{SourceName: a.name, AvgRank: a.rankSum / float64(a.rankCount)})
	}
	sortDescRank(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func sortDescItems(s []SourceItemCount) {
	sort.Slice(s, func(i, j int) bool { return s[i].ItemCount > s[j].ItemCount })
}

func sortDescRank(s []SourceAvgRank) {
	sort.Slice(s, func(i, j int) bool { return s[i].AvgRank > s[j].AvgRank })
}

func countInt(ctx context.Context, coll *mongo.Collection, filter bson.M) (int, error) {
	count, err := coll.CountDocuments(ctx, filter)
	return int(count), err
}

func (t *mongoTx) ListItemsAboveRank(ctx context.Context, minRank float64, limit int) ([]*RankedItem, error) {
	filter := bson.M{"rank": bson.M{"$gte": minRank}}
	opts := options.Find().SetSort(bson.D{{Key: "discoveredAt", Value: -1}}).SetLimit(int64(limit))
	cursor, err := t.store.items().Find(t.sctx, filter, opts)
	if err != nil {
		return nil, NewStoreFailure("list_items_above_rank", err)
	}
	defer cursor.Close(t.sctx)

	sourceNames := make(map[int64]mongoSourceDoc)
	var ranked []*RankedItem
	for cursor.Next(t.sctx) {
		var doc mongoItemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewStoreFailure("list_items_above_rank_decode", err)
		}
		src, ok := sourceNames[doc.SourceID]
		if !ok {
			if err := t.store.sources().FindOne(t.sctx, bson.M{"_id": doc.SourceID}).Decode(&src); err != nil {
				return nil, NewStoreFailure("list_items_above_rank_source", err)
			}
			sourceNames[doc.SourceID] = src
		}
		ranked = append(ranked, &RankedItem{Item: doc.toModel(), SourceName: src.Name, SourceURL: src.URL})
	}
	return ranked, NewStoreFailure("list_items_above_rank_cursor", cursor.Err())
}

func (t *mongoTx) ListAllItems(ctx context.Context) ([]*Item, error) {
	cursor, err := t.store.items().Find(t.sctx, bson.M{})
	if err != nil {
		return nil, NewStoreFailure("list_all_items", err)
	}
	defer cursor.Close(t.sctx)

	var items []*Item
	for cursor.Next(t.sctx) {
		var doc mongoItemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewStoreFailure("list_all_items_decode", err)
		}
		items = append(items, doc.toModel())
	}
	return items, NewStoreFailure("list_all_items_cursor", cursor.Err())
}

func (t *mongoTx) UpdateItemRank(ctx context.Context, itemID int64, rank float64, now time.Time) error {
	_, err := t.store.items().UpdateOne(t.sctx, bson.M{"_id": itemID},
		bson.M{"$set": bson.M{"rank": rank, "rankedAt": now}})
	return NewStoreFailure("update_item_rank", err)
}

func (t *mongoTx) loadItemAndSource(itemID int64) (*Item, *Source, error) {
	var itemDoc mongoItemDoc
	if err := t.store.items().FindOne(t.sctx, bson.M{"_id": itemID}).Decode(&itemDoc); err != nil {
		return nil, nil, NewStoreFailure("load_item", err)
	}
	var srcDoc mongoSourceDoc
	if err := t.store.sources().FindOne(t.sctx, bson.M{"_id": itemDoc.SourceID}).Decode(&srcDoc); err != nil {
		return nil, nil, NewStoreFailure("load_source", err)
	}
	return itemDoc.toModel(), srcDoc.toModel(), nil
}
