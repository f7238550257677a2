package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gosimple/slug"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

const villageColumns = `id, name, slug, district, state, settings, created_at`

func scanVillage(row interface{ Scan(...any) error }) (*model.Village, error) {
	var v model.Village
	var settings string
	if err := row.Scan(&v.ID, &v.Name, &v.Slug, &v.District, &v.State, &settings, &v.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParseVillageSettings([]byte(settings))
	if err != nil {
		return nil, fmt.Errorf("village %d: %w", v.ID, err)
	}
	v.Settings = parsed
	return &v, nil
}

// CreateVillage inserts a village. The slug is derived from the name when empty.
func (s *Store) CreateVillage(ctx context.Context, v model.Village) (int64, error) {
	if v.Slug == "" {
		v.Slug = slug.Make(v.Name)
	}
	settings, err := json.Marshal(v.Settings)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO villages (name, slug, district, state, settings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		v.Name, v.Slug, v.District, v.State, string(settings), now(),
	).Scan(&id)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return 0, fmt.Errorf("village slug %q taken: %w", v.Slug, common.ErrConflict)
		}
		return 0, err
	}
	return id, nil
}

// GetVillage returns a village by ID.
func (s *Store) GetVillage(ctx context.Context, id int64) (*model.Village, error) {
	v, err := scanVillage(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+villageColumns+` FROM villages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("village %d: %w", id, common.ErrNotFound)
	}
	return v, err
}

// GetVillageBySlug returns a village by its URL slug.
func (s *Store) GetVillageBySlug(ctx context.Context, villageSlug string) (*model.Village, error) {
	v, err := scanVillage(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+villageColumns+` FROM villages WHERE slug = ?`), villageSlug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("village %q: %w", villageSlug, common.ErrNotFound)
	}
	return v, err
}

// ListVillages returns all villages ordered by name.
func (s *Store) ListVillages(ctx context.Context) ([]model.Village, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+villageColumns+` FROM villages ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var villages []model.Village
	for rows.Next() {
		v, err := scanVillage(rows)
		if err != nil {
			return nil, err
		}
		villages = append(villages, *v)
	}
	return villages, rows.Err()
}

// UpdateVillageSettings replaces a village's settings document.
func (s *Store) UpdateVillageSettings(ctx context.Context, id int64, settings model.VillageSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE villages SET settings = ? WHERE id = ?`), string(data), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("village %d: %w", id, common.ErrNotFound)
	}
	return nil
}
