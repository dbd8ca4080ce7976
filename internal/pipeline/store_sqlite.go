package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary Store implementation: a single file-backed
// SQLite database, matching the pipeline's single-process-owner assumption.
// SQLite only allows one writer at a time, which is exactly the serialisation
// the pipeline's queue-exclusivity invariant needs and nothing more.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path.
// Foreign keys and a generous busy timeout are enabled via DSN pragmas so
// that cascading deletes and cooperating workers behave.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewStoreFailure("open", err)
	}
	// SQLite has a single writer; serialise all access through one
	// connection to let busy_timeout do its job instead of spurious
	// SQLITE_BUSY errors surfacing across separate pooled connections.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	last_checked TIMESTAMP,
	interval_seconds INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	guid TEXT NOT NULL,
	payload TEXT NOT NULL,
	discovered_at TIMESTAMP NOT NULL,
	rank REAL,
	ranked_at TIMESTAMP,
	UNIQUE(source_id, guid)
);

CREATE TABLE IF NOT EXISTS pending_slots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS scored_slots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS error_slots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	message TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_last_checked ON sources(last_checked);
CREATE INDEX IF NOT EXISTS idx_items_source_guid ON items(source_id, guid);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_slots(created_at, id);
CREATE INDEX IF NOT EXISTS idx_scored_created ON scored_slots(created_at, id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return NewStoreFailure("ensure_schema", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewStoreFailure("begin", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return NewStoreFailure("commit", t.tx.Commit())
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return NewStoreFailure("rollback", err)
	}
	return nil
}

func (t *sqliteTx) NextSourceDueForCheck(ctx context.Context, now time.Time) (*Source, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, url, name, last_checked, interval_seconds, created_at
		FROM sources
		ORDER BY (last_checked IS NOT NULL), last_checked ASC
		LIMIT 1`)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreFailure("next_source_due", err)
	}
	return src, nil
}

func (t *sqliteTx) UpsertItem(ctx context.Context, sourceID int64, guid, payload string, discoveredAt time.Time) (int64, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id FROM items WHERE source_id = ? AND guid = ?`, sourceID, guid)
	var existingID int64
	err := row.Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, NewStoreFailure("upsert_item_lookup", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (source_id, guid, payload, discovered_at) VALUES (?, ?, ?, ?)`,
		sourceID, guid, payload, discoveredAt)
	if err != nil {
		return 0, false, NewStoreFailure("upsert_item_insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, NewStoreFailure("upsert_item_id", err)
	}
	return id, true, nil
}

func (t *sqliteTx) EnqueuePending(ctx context.Context, itemID int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO pending_slots (item_id, created_at) VALUES (?, ?)`, itemID, now)
	return NewStoreFailure("enqueue_pending", err)
}

func (t *sqliteTx) UpdateSourceAfterPoll(ctx context.Context, sourceID int64, newInterval int, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sources SET last_checked = ?, interval_seconds = ? WHERE id = ?`, now, newInterval, sourceID)
	return NewStoreFailure("update_source_after_poll", err)
}

func (t *sqliteTx) ClaimNextPending(ctx context.Context) (*PendingSlot, *Item, *Source, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, item_id, created_at FROM pending_slots ORDER BY created_at ASC, id ASC LIMIT 1`)
	var slot PendingSlot
	err := row.Scan(&slot.ID, &slot.ItemID, &slot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, NewStoreFailure("claim_next_pending", err)
	}

	item, src, err := t.loadItemAndSource(ctx, slot.ItemID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &slot, item, src, nil
}

func (t *sqliteTx) RecordScore(ctx context.Context, slotID, itemID int64, rank float64, now time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pending_slots WHERE id = ?`, slotID); err != nil {
		return NewStoreFailure("record_score_delete_pending", err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE items SET rank = ?, ranked_at = ? WHERE id = ?`, rank, now, itemID); err != nil {
		return NewStoreFailure("record_score_update_item", err)
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO scored_slots (item_id, created_at) VALUES (?, ?)`, itemID, now); err != nil {
		return NewStoreFailure("record_score_insert_scored", err)
	}
	return nil
}

func (t *sqliteTx) RecordScoreError(ctx context.Context, slotID, itemID int64, message string, now time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pending_slots WHERE id = ?`, slotID); err != nil {
		return NewStoreFailure("record_score_error_delete_pending", err)
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO error_slots (item_id, message, created_at) VALUES (?, ?, ?)`, itemID, message, now); err != nil {
		return NewStoreFailure("record_score_error_insert", err)
	}
	return nil
}

func (t *sqliteTx) ClaimNextScored(ctx context.Context) (*ScoredSlot, *Item, *Source, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, item_id, created_at FROM scored_slots ORDER BY created_at ASC, id ASC LIMIT 1`)
	var slot ScoredSlot
	err := row.Scan(&slot.ID, &slot.ItemID, &slot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, NewStoreFailure("claim_next_scored", err)
	}

	item, src, err := t.loadItemAndSource(ctx, slot.ItemID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &slot, item, src, nil
}

func (t *sqliteTx) FinishScored(ctx context.Context, slotID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM scored_slots WHERE id = ?`, slotID)
	return NewStoreFailure("finish_scored", err)
}

func (t *sqliteTx) ReturnScored(ctx context.Context, slotID int64) error {
	return nil
}

func (t *sqliteTx) CreateSource(ctx context.Context, url, name string, defaultInterval int, now time.Time) (*Source, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sources (url, name, last_checked, interval_seconds, created_at) VALUES (?, ?, NULL, ?, ?)`,
		url, name, defaultInterval, now)
	if err != nil {
		return nil, NewStoreFailure("create_source", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, NewStoreFailure("create_source_id", err)
	}
	return &Source{ID: id, URL: url, Name: name, IntervalSeconds: defaultInterval, CreatedAt: now}, nil
}

func (t *sqliteTx) DeleteSource(ctx context.Context, sourceID int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID)
	if err != nil {
		return NewStoreFailure("delete_source", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NewStoreFailure("delete_source_rows", err)
	}
	if n == 0 {
		return NewStoreFailure("delete_source", ErrSourceNotFound)
	}
	return nil
}

func (t *sqliteTx) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, url, name, last_checked, interval_seconds, created_at FROM sources ORDER BY id ASC`)
	if err != nil {
		return nil, NewStoreFailure("list_sources", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, NewStoreFailure("list_sources_scan", err)
		}
		sources = append(sources, src)
	}
	return sources, NewStoreFailure("list_sources_rows", rows.Err())
}

func (t *sqliteTx) ItemCountBySource(ctx context.Context, sourceID int64) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE source_id = ?`, sourceID).Scan(&count)
	if err != nil {
		return 0, NewStoreFailure("item_count_by_source", err)
	}
	return count, nil
}

func (t *sqliteTx) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&stats.TotalSources); err != nil {
		return nil, NewStoreFailure("stats_total_sources", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&stats.TotalItems); err != nil {
		return nil, NewStoreFailure("stats_total_items", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE discovered_at >= ?`, dayStart).Scan(&stats.ItemsToday); err != nil {
		return nil, NewStoreFailure("stats_items_today", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_slots`).Scan(&stats.PendingCount); err != nil {
		return nil, NewStoreFailure("stats_pending", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scored_slots`).Scan(&stats.ScoredCount); err != nil {
		return nil, NewStoreFailure("stats_scored", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_slots`).Scan(&stats.ErrorCount); err != nil {
		return nil, NewStoreFailure("stats_errors", err)
	}
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE ranked_at >= ?`, dayStart).Scan(&stats.ItemsScoredToday); err != nil {
		return nil, NewStoreFailure("stats_scored_today", err)
	}

	if stats.TotalSources > 0 {
		stats.AvgItemsPerSource = float64(stats.TotalItems) / float64(stats.TotalSources)
	}

	topByItems, err := t.tx.QueryContext(ctx, `
		SELECT s.name, COUNT(i.id) AS item_count
		FROM sources s LEFT JOIN items i ON i.source_id = s.id
		GROUP BY s.id ORDER BY item_count DESC, s.id ASC LIMIT 3`)
	if err != nil {
		return nil, NewStoreFailure("stats_top_items", err)
	}
	for topByItems.Next() {
		var sic SourceItemCount
		if err := topByItems.Scan(&sic.SourceName, &sic.ItemCount); err != nil {
			topByItems.Close()
			return nil, NewStoreFailure("stats_top_items_scan", err)
		}
		stats.TopSourcesByItems = append(stats.TopSourcesByItems, sic)
	}
	topByItems.Close()

	topByRank, err := t.tx.QueryContext(ctx, `
		SELECT s.name, AVG(i.rank) AS avg_rank
		FROM sources s JOIN items i ON i.source_id = s.id
		WHERE i.rank IS NOT NULL
		GROUP BY s.id ORDER BY avg_rank DESC LIMIT 10`)
	if err != nil {
		return nil, NewStoreFailure("stats_top_rank", err)
	}
	for topByRank.Next() {
		var sar SourceAvgRank
		if err := topByRank.Scan(&sar.SourceName, &sar.AvgRank); err != nil {
			topByRank.Close()
			return nil, NewStoreFailure("stats_top_rank_scan", err)
		}
		stats.TopSourcesByRank = append(stats.TopSourcesByRank, sar)
	}
	topByRank.Close()

	noItems, err := t.tx.QueryContext(ctx, `
		SELECT s.name FROM sources s LEFT JOIN items i ON i.source_id = s.id
		WHERE i.id IS NULL ORDER BY s.id ASC`)
	if err != nil {
		return nil, NewStoreFailure("stats_no_items", err)
	}
	for noItems.Next() {
		var name string
		if err := noItems.Scan(&name); err != nil {
			noItems.Close()
			return nil, NewStoreFailure("stats_no_items_scan", err)
		}
		stats.SourcesWithNoItems = append(stats.SourcesWithNoItems, name)
	}
	noItems.Close()

	return stats, nil
}

func (t *sqliteTx) ListItemsAboveRank(ctx context.Context, minRank float64, limit int) ([]*RankedItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT i.id, i.source_id, i.guid, i.payload, i.discovered_at, i.rank, i.ranked_at, s.name, s.url
		FROM items i JOIN sources s ON s.id = i.source_id
		WHERE i.rank IS NOT NULL AND i.rank >= ?
		ORDER BY i.discovered_at DESC
		LIMIT ?`, minRank, limit)
	if err != nil {
		return nil, NewStoreFailure("list_items_above_rank", err)
	}
	defer rows.Close()

	var ranked []*RankedItem
	for rows.Next() {
		var item Item
		var rank sql.NullFloat64
		var rankedAt sql.NullTime
		var sourceName, sourceURL string
		if err := rows.Scan(&item.ID, &item.SourceID, &item.GUID, &item.Payload, &item.DiscoveredAt,
			&rank, &rankedAt, &sourceName, &sourceURL); err != nil {
			return nil, NewStoreFailure("list_items_above_rank_scan", err)
		}
		if rank.Valid {
			item.Rank = &rank.Float64
		}
		if rankedAt.Valid {
			item.RankedAt = &rankedAt.Time
		}
		ranked = append(ranked, &RankedItem{Item: &item, SourceName: sourceName, SourceURL: sourceURL})
	}
	return ranked, NewStoreFailure("list_items_above_rank_rows", rows.Err())
}

func (t *sqliteTx) ListAllItems(ctx context.Context) ([]*Item, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, source_id, guid, payload, discovered_at, rank, ranked_at FROM items`)
	if err != nil {
		return nil, NewStoreFailure("list_all_items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var item Item
		var rank sql.NullFloat64
		var rankedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.SourceID, &item.GUID, &item.Payload, &item.DiscoveredAt, &rank, &rankedAt); err != nil {
			return nil, NewStoreFailure("list_all_items_scan", err)
		}
		if rank.Valid {
			item.Rank = &rank.Float64
		}
		if rankedAt.Valid {
			item.RankedAt = &rankedAt.Time
		}
		items = append(items, &item)
	}
	return items, NewStoreFailure("list_all_items_rows", rows.Err())
}

func (t *sqliteTx) UpdateItemRank(ctx context.Context, itemID int64, rank float64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE items SET rank = ?, ranked_at = ? WHERE id = ?`, rank, now, itemID)
	return NewStoreFailure("update_item_rank", err)
}

func (t *sqliteTx) loadItemAndSource(ctx context.Context, itemID int64) (*Item, *Source, error) {
	var item Item
	var rank sql.NullFloat64
	var rankedAt sql.NullTime
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, source_id, guid, payload, discovered_at, rank, ranked_at FROM items WHERE id = ?`, itemID).
		Scan(&item.ID, &item.SourceID, &item.GUID, &item.Payload, &item.DiscoveredAt, &rank, &rankedAt)
	if err != nil {
		return nil, nil, NewStoreFailure("load_item", err)
	}
	if rank.Valid {
		item.Rank = &rank.Float64
	}
	if rankedAt.Valid {
		item.RankedAt = &rankedAt.Time
	}

	row := t.tx.QueryRowContext(ctx, `
		SELECT id, url, name, last_checked, interval_seconds, created_at FROM sources WHERE id = ?`, item.SourceID)
	src, err := scanSource(row)
	if err != nil {
		return nil, nil, NewStoreFailure("load_source", err)
	}
	return &item, src, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var lastChecked sql.NullTime
	if err := row.Scan(&src.ID, &src.URL, &src.Name, &lastChecked, &src.IntervalSeconds, &src.CreatedAt); err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		src.LastChecked = &lastChecked.Time
	}
	return &src, nil
}
