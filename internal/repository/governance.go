package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/store"
)

const (
	rosterID   = "admins"
	settingsID = "settings"
	subjectsID = "subjects"
)

type GovernanceRepository struct {
	store store.Store
}

func NewGovernanceRepository(s store.Store) *GovernanceRepository {
	return &GovernanceRepository{store: s}
}

// GetRoster returns the admin roster. A roster that was never written comes
// back empty with Version 0, so the first save is create-only.
func (r *GovernanceRepository) GetRoster(ctx context.Context) (*models.Roster, error) {
	doc, err := r.store.Get(ctx, store.CollectionGovernance, rosterID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Roster{}, nil
	}
	if err != nil {
		return nil, err
	}
	roster := &models.Roster{}
	if err := json.Unmarshal(doc.Data, roster); err != nil {
		return nil, fmt.Errorf("failed to decode admin roster: %w", err)
	}
	roster.Version = doc.Version
	return roster, nil
}

// SaveRoster writes the roster conditionally on roster.Version.
func (r *GovernanceRepository) SaveRoster(ctx context.Context, roster *models.Roster) error {
	v, err := put(ctx, r.store, store.CollectionGovernance, rosterID, roster, roster.Version)
	if err != nil {
		return err
	}
	roster.Version = v
	return nil
}

// GetLinkedGroup returns store.ErrNotFound when no group was linked.
func (r *GovernanceRepository) GetLinkedGroup(ctx context.Context) (*models.LinkedGroup, error) {
	doc, err := r.store.Get(ctx, store.CollectionGovernance, settingsID)
	if err != nil {
		return nil, err
	}
	g := &models.LinkedGroup{}
	if err := json.Unmarshal(doc.Data, g); err != nil {
		return nil, fmt.Errorf("failed to decode linked group: %w", err)
	}
	g.Version = doc.Version
	return g, nil
}

func (r *GovernanceRepository) SetLinkedGroup(ctx context.Context, g *models.LinkedGroup) error {
	v, err := put(ctx, r.store, store.CollectionGovernance, settingsID, g, store.AnyVersion)
	if err != nil {
		return err
	}
	g.Version = v
	return nil
}

// GetSubjects returns the subject catalogue, empty with Version 0 if none
// was saved yet.
func (r *GovernanceRepository) GetSubjects(ctx context.Context) (*models.SubjectCatalogue, error) {
	doc, err := r.store.Get(ctx, store.CollectionGovernance, subjectsID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.SubjectCatalogue{}, nil
	}
	if err != nil {
		return nil, err
	}
	c := &models.SubjectCatalogue{}
	if err := json.Unmarshal(doc.Data, c); err != nil {
		return nil, fmt.Errorf("failed to decode subject catalogue: %w", err)
	}
	c.Version = doc.Version
	return c, nil
}

// SaveSubjects writes the catalogue conditionally on c.Version.
func (r *GovernanceRepository) SaveSubjects(ctx context.Context, c *models.SubjectCatalogue) error {
	v, err := put(ctx, r.store, store.CollectionGovernance, subjectsID, c, c.Version)
	if err != nil {
		return err
	}
	c.Version = v
	return nil
}
