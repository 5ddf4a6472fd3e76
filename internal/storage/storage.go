// Package storage persists shadow documents with gorm. Repository
// implements shadow.Backend for the broker.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/pkg/core"
)

// ThingShadow is one persisted shadow document.
type ThingShadow struct {
	ThingName   string `gorm:"primaryKey;size:128"`
	State       datatypes.JSONType[core.ShadowState]
	Version     int64 `gorm:"not null;default:0"`
	ClientToken string `gorm:"size:64"`
	UpdatedAt   time.Time
}

// TableName overrides the default pluralized name.
func (ThingShadow) TableName() string {
	return "thing_shadows"
}

// ShadowUpdate is an audit row per accepted update.
type ShadowUpdate struct {
	ID        uint   `gorm:"primaryKey"`
	ThingName string `gorm:"index;size:128"`
	Version   int64
	Request   datatypes.JSON
	CreatedAt time.Time
}

// Models lists every table the repository needs.
var Models = []any{&ThingShadow{}, &ShadowUpdate{}}

// Repository stores shadows in a SQL database.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open connection. Call Migrate before first use.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Migrate creates or updates the schema.
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, thing string) (core.ShadowDocument, error) {
	var row ThingShadow
	err := r.db.WithContext(ctx).Where("thing_name = ?", thing).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ShadowDocument{}, shadow.ErrNotFound
	}
	if err != nil {
		return core.ShadowDocument{}, fmt.Errorf("load shadow %s: %w", thing, err)
	}
	return row.document(), nil
}

// Update merges doc under a row lock and records the request. A stale
// doc.Version yields shadow.ErrVersionConflict and leaves the row untouched.
func (r *Repository) Update(ctx context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error) {
	var accepted core.ShadowDocument
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ThingShadow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thing_name = ?", thing).Take(&row).Error

		var stored *core.ShadowDocument
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("load shadow %s: %w", thing, err)
		default:
			cur := row.document()
			stored = &cur
		}

		merged, err := shadow.Merge(stored, doc, r.now())
		if err != nil {
			return err
		}

		next := ThingShadow{
			ThingName:   thing,
			State:       datatypes.NewJSONType(merged.State),
			Version:     merged.Version,
			ClientToken: merged.ClientToken,
			UpdatedAt:   time.Unix(merged.Timestamp, 0).UTC(),
		}
		if stored == nil {
			err = tx.Create(&next).Error
		} else {
			// Guard on the version read above for drivers without row locks.
			res := tx.Model(&ThingShadow{}).
				Where("thing_name = ? AND version = ?", thing, row.Version).
				Updates(map[string]any{
					"state":        next.State,
					"version":      next.Version,
					"client_token": next.ClientToken,
					"updated_at":   next.UpdatedAt,
				})
			err = res.Error
			if err == nil && res.RowsAffected == 0 {
				return shadow.ErrVersionConflict
			}
		}
		if err != nil {
			return fmt.Errorf("save shadow %s: %w", thing, err)
		}

		request, err := shadow.Encode(doc)
		if err != nil {
			return err
		}
		if err := tx.Create(&ShadowUpdate{ThingName: thing, Version: merged.Version, Request: request}).Error; err != nil {
			return fmt.Errorf("record shadow update: %w", err)
		}

		accepted = shadow.Accepted(doc, merged)
		return nil
	})
	if err != nil {
		return core.ShadowDocument{}, err
	}
	return accepted, nil
}

// History returns the recorded update requests for thing, oldest first.
func (r *Repository) History(ctx context.Context, thing string, limit int) ([]ShadowUpdate, error) {
	var rows []ShadowUpdate
	q := r.db.WithContext(ctx).Where("thing_name = ?", thing).Order("version asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history %s: %w", thing, err)
	}
	return rows, nil
}

// Things lists the names of every stored shadow.
func (r *Repository) Things(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&ThingShadow{}).Order("thing_name").Pluck("thing_name", &names).Error; err != nil {
		return nil, fmt.Errorf("list things: %w", err)
	}
	return names, nil
}

func (row ThingShadow) document() core.ShadowDocument {
	return core.ShadowDocument{
		State:       row.State.Data(),
		Version:     row.Version,
		ClientToken: row.ClientToken,
		Timestamp:   row.UpdatedAt.Unix(),
	}
}
