package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darrenoakey/newsfeed-pipeline/internal/pipeline"
)

// ExportConfig holds the curated RSS export's channel metadata and defaults,
// resolved from the process configuration once at startup.
type ExportConfig struct {
	Title       string
	Link        string
	Description string
	MinScore    float64
	Limit       int
}

// Handlers groups the control-surface HTTP handlers over a Store.
type Handlers struct {
	store  pipeline.Store
	ranker pipeline.Ranker
	export ExportConfig
}

type feedResponse struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	Name            string     `json:"name"`
	LastChecked     *time.Time `json:"lastChecked"`
	IntervalSeconds int        `json:"intervalSeconds"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toFeedResponse(s *pipeline.Source) feedResponse {
	return feedResponse{
		ID: s.ID, URL: s.URL, Name: s.Name, LastChecked: s.LastChecked,
		IntervalSeconds: s.IntervalSeconds, CreatedAt: s.CreatedAt,
	}
}

// ListFeeds returns every configured Source.
func (h *Handlers) ListFeeds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer tx.Rollback()

	sources, err := tx.ListSources(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = tx.Commit()

	feeds := make([]feedResponse, 0, len(sources))
	for _, s := range sources {
		feeds = append(feeds, toFeedResponse(s))
	}
	writeJSON(w, http.StatusOK, feeds)
}

type createFeedRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// CreateFeed adds a new Source at the default polling interval.
func (h *Handlers) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer tx.Rollback()

	source, err := tx.CreateSource(ctx, req.URL, req.Name, defaultIntervalSeconds, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, toFeedResponse(source))
}

// defaultIntervalSeconds mirrors the DEFAULT_INTERVAL config default; the
// control surface does not have access to the scheduler's resolved config,
// so a new feed always starts at the documented default.
const defaultIntervalSeconds = 3600

// DeleteFeed removes a Source by id.
func (h *Handlers) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer tx.Rollback()

	if err := tx.DeleteSource(ctx, id); err != nil {
		if errors.Is(err, pipeline.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats returns the pipeline's read-only aggregate.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer tx.Rollback()

	stats, err := tx.Stats(ctx, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = tx.Commit()

	writeJSON(w, http.StatusOK, stats)
}

// Export renders the curated RSS feed: every item scored at or above the
// configured (or query-overridden) threshold, newest first, deduplicated by
// link and title. This is the pipeline's pull-based deliverable alongside
// the Publisher's push path, mirroring the original implementation's
// export_rss endpoint.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	minScore := h.export.MinScore
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			minScore = parsed
		}
	}
	limit := h.export.Limit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	items, err := pipeline.BuildExportFeed(r.Context(), h.store, minScore, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	body, err := pipeline.RenderRSS(h.export.Title, h.export.Link, h.export.Description, items, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// SyncTraining fetches the scoring service's training set and writes any
// corrected score back onto the matching stored Item, mirroring the
// original implementation's update_trained/apply_training_scores loop.
func (h *Handlers) SyncTraining(w http.ResponseWriter, r *http.Request) {
	if h.ranker == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no ranker configured"))
		return
	}

	updated, err := pipeline.SyncTrainingScores(r.Context(), h.store, h.ranker)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
