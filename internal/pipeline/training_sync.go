package pipeline

import (
	"context"
	"time"
)

// SyncTrainingScores fetches the Ranker's training set and writes any
// corrected score back onto the matching stored Item. Matching is by
// extracted link rather than GUID, since the training set is keyed by URL.
// Returns the number of items updated. Grounded on the original
// implementation's update_trained/apply_training_scores: corrections the
// scoring service has learned since an item was first scored must flow
// back onto that item, not just onto future polls.
func SyncTrainingScores(ctx context.Context, store Store, ranker Ranker) (int, error) {
	examples, err := ranker.TrainingSet(ctx)
	if err != nil {
		return 0, err
	}
	if len(examples) == 0 {
		return 0, nil
	}

	scoreByURL := make(map[string]float64, len(examples))
	for _, ex := range examples {
		scoreByURL[ex.URL] = ex.Score
	}

	return withTx(ctx, store, func(tx Tx) (int, error) {
		items, err := tx.ListAllItems(ctx)
		if err != nil {
			return 0, err
		}

		now := time.Now()
		updated := 0
		for _, item := range items {
			link := ExtractLink(item.Payload)
			if link == "" {
				continue
			}
			newScore, ok := scoreByURL[link]
			if !ok {
				continue
			}
			if item.Rank != nil && *item.Rank == newScore {
				continue
			}
			if err := tx.UpdateItemRank(ctx, item.ID, newScore, now); err != nil {
				return 0, err
			}
			updated++
		}
		return updated, nil
	})
}
