package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/store"
)

const maxMarkAttempts = 5

type AttendanceRepository struct {
	store store.Store
}

func NewAttendanceRepository(s store.Store) *AttendanceRepository {
	return &AttendanceRepository{store: s}
}

func (r *AttendanceRepository) Get(ctx context.Context, entryID, occurrenceKey string) (*models.AttendanceRecord, error) {
	doc, err := r.store.Get(ctx, store.CollectionAttendance, models.AttendanceID(entryID, occurrenceKey))
	if err != nil {
		return nil, err
	}
	return decodeAttendance(doc)
}

// MarkPresent adds user to the record, creating it on first use. It reports
// false when the user was already marked.
func (r *AttendanceRepository) MarkPresent(ctx context.Context, rec models.AttendanceRecord, user string) (*models.AttendanceRecord, bool, error) {
	id := models.AttendanceID(rec.EntryID, rec.OccurrenceKey)
	for attempt := 0; attempt < maxMarkAttempts; attempt++ {
		cur, err := r.Get(ctx, rec.EntryID, rec.OccurrenceKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
			cur = &rec
			cur.Present = nil
			cur.Version = store.MustNotExist
		case err != nil:
			return nil, false, err
		}
		if cur.Has(user) {
			return cur, false, nil
		}
		cur.Present = append(cur.Present, user)
		v, err := put(ctx, r.store, store.CollectionAttendance, id, cur, cur.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		cur.Version = v
		return cur, true, nil
	}
	return nil, false, fmt.Errorf("failed to mark attendance for %s: %w", id, store.ErrVersionConflict)
}

// Since returns records whose occurrence is at or after t, newest first.
func (r *AttendanceRepository) Since(ctx context.Context, t time.Time) ([]*models.AttendanceRecord, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.AttendanceRecord
	for _, rec := range all {
		if !rec.OccurrenceAt.Before(t) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurrenceAt.After(out[j].OccurrenceAt) })
	return out, nil
}

// DeleteBefore removes records whose occurrence is older than t.
func (r *AttendanceRepository) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	all, err := r.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if !rec.OccurrenceAt.Before(t) {
			continue
		}
		if err := r.store.Delete(ctx, store.CollectionAttendance, models.AttendanceID(rec.EntryID, rec.OccurrenceKey)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *AttendanceRepository) all(ctx context.Context) ([]*models.AttendanceRecord, error) {
	docs, err := r.store.Scan(ctx, store.CollectionAttendance, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*models.AttendanceRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeAttendance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeAttendance(doc *store.Document) (*models.AttendanceRecord, error) {
	rec := &models.AttendanceRecord{}
	if err := json.Unmarshal(doc.Data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode attendance %s: %w", doc.ID, err)
	}
	rec.Version = doc.Version
	return rec, nil
}
