package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/store"
)

type EntryRepository struct {
	store store.Store
}

func NewEntryRepository(s store.Store) *EntryRepository {
	return &EntryRepository{store: s}
}

// Create stores a new entry. It fails with store.ErrVersionConflict if the id
// is already taken.
func (r *EntryRepository) Create(ctx context.Context, e *models.ScheduleEntry) error {
	v, err := put(ctx, r.store, store.CollectionEntries, e.ID, e, store.MustNotExist)
	if err != nil {
		return err
	}
	e.Version = v
	return nil
}

func (r *EntryRepository) GetByID(ctx context.Context, id string) (*models.ScheduleEntry, error) {
	doc, err := r.store.Get(ctx, store.CollectionEntries, id)
	if err != nil {
		return nil, err
	}
	return decodeEntry(doc)
}

// Update writes e only if the stored version still equals e.Version.
func (r *EntryRepository) Update(ctx context.Context, e *models.ScheduleEntry) error {
	if e.Version <= 0 {
		return fmt.Errorf("entry %s has no read version", e.ID)
	}
	v, err := put(ctx, r.store, store.CollectionEntries, e.ID, e, e.Version)
	if err != nil {
		return err
	}
	e.Version = v
	return nil
}

func (r *EntryRepository) GetActive(ctx context.Context) ([]*models.ScheduleEntry, error) {
	return r.scan(ctx, store.Filter{"active": true})
}

func (r *EntryRepository) GetAll(ctx context.Context) ([]*models.ScheduleEntry, error) {
	return r.scan(ctx, nil)
}

func (r *EntryRepository) scan(ctx context.Context, f store.Filter) ([]*models.ScheduleEntry, error) {
	docs, err := r.store.Scan(ctx, store.CollectionEntries, f)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.ScheduleEntry, 0, len(docs))
	for _, doc := range docs {
		e, err := decodeEntry(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func decodeEntry(doc *store.Document) (*models.ScheduleEntry, error) {
	e := &models.ScheduleEntry{}
	if err := json.Unmarshal(doc.Data, e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", doc.ID, err)
	}
	e.ID = doc.ID
	e.Version = doc.Version
	return e, nil
}

func put(ctx context.Context, s store.Store, collection, id string, v any, expected int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	return s.Put(ctx, collection, id, data, expected)
}
