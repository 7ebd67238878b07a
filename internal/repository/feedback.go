package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/store"
)

type FeedbackRepository struct {
	store store.Store
}

func NewFeedbackRepository(s store.Store) *FeedbackRepository {
	return &FeedbackRepository{store: s}
}

// Create stores f, assigning an id when it has none.
func (r *FeedbackRepository) Create(ctx context.Context, f *models.Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := put(ctx, r.store, store.CollectionFeedback, f.ID, f, store.MustNotExist)
	return err
}

func (r *FeedbackRepository) GetAll(ctx context.Context) ([]*models.Feedback, error) {
	docs, err := r.store.Scan(ctx, store.CollectionFeedback, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Feedback, 0, len(docs))
	for _, doc := range docs {
		f := &models.Feedback{}
		if err := json.Unmarshal(doc.Data, f); err != nil {
			return nil, fmt.Errorf("failed to decode feedback %s: %w", doc.ID, err)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
