package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// BoxUpsert is the payload for creating or refreshing a box row from fresh
// API metadata.
type BoxUpsert struct {
	BoxID             string
	Name              string
	Exposure          *string
	Model             *string
	CurrentLocation   json.RawMessage
	LastMeasurementAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const upsertBoxQuery = `
INSERT INTO sensor_box (box_id, name, exposure, model, current_location, last_measurement_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (box_id) DO UPDATE SET
	name = EXCLUDED.name,
	exposure = EXCLUDED.exposure,
	model = EXCLUDED.model,
	current_location = EXCLUDED.current_location,
	last_measurement_at = GREATEST(sensor_box.last_measurement_at, EXCLUDED.last_measurement_at),
	updated_at = EXCLUDED.updated_at
RETURNING box_id, name, exposure, model, current_location, last_measurement_at, last_data_fetched, created_at, updated_at, (xmax = 0) AS is_new`

// UpsertBox creates the box on first sight and refreshes its metadata
// afterwards. last_measurement_at only moves forward; last_data_fetched is
// untouched here (see UpdateWatermarks). The second return value reports
// whether the row was created by this call.
func (s *Store) UpsertBox(ctx context.Context, b BoxUpsert) (Box, bool, error) {
	if b.BoxID == "" {
		return Box{}, false, fmt.Errorf("store: box id is required")
	}
	var row struct {
		Box
		IsNew bool `db:"is_new"`
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &row, upsertBoxQuery,
			b.BoxID, b.Name, b.Exposure, b.Model, []byte(b.CurrentLocation),
			toUTC(b.LastMeasurementAt), b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	})
	if err != nil {
		return Box{}, false, fmt.Errorf("store: upsert box %s: %w", b.BoxID, err)
	}
	return row.Box, row.IsNew, nil
}

const getBoxQuery = `
SELECT box_id, name, exposure, model, current_location, last_measurement_at, last_data_fetched, created_at, updated_at
FROM sensor_box WHERE box_id = $1`

// GetBox looks a box up by id, returning ErrNotFound when absent.
func (s *Store) GetBox(ctx context.Context, boxID string) (Box, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var box Box
	if err := s.db.GetContext(opCtx, &box, getBoxQuery, boxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Box{}, ErrNotFound
		}
		return Box{}, fmt.Errorf("store: get box %s: %w", boxID, err)
	}
	return box, nil
}

const listBoxesQuery = `
SELECT box_id, name, exposure, model, current_location, last_measurement_at, last_data_fetched, created_at, updated_at
FROM sensor_box ORDER BY box_id LIMIT $1`

// ListBoxes returns up to limit boxes ordered by id.
func (s *Store) ListBoxes(ctx context.Context, limit int) ([]Box, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var boxes []Box
	if err := s.db.SelectContext(opCtx, &boxes, listBoxesQuery, limit); err != nil {
		return nil, fmt.Errorf("store: list boxes: %w", err)
	}
	return boxes, nil
}

const updateWatermarksQuery = `
UPDATE sensor_box SET
	last_measurement_at = CASE
		WHEN $2::timestamptz IS NOT NULL AND (last_measurement_at IS NULL OR $2 > last_measurement_at)
		THEN $2 ELSE last_measurement_at END,
	last_data_fetched = CASE
		WHEN $3::timestamptz IS NOT NULL AND (last_data_fetched IS NULL OR $3 > last_data_fetched)
		THEN $3 ELSE last_data_fetched END,
	updated_at = now()
WHERE box_id = $1`

// UpdateWatermarks conditionally advances the per-box bookkeeping timestamps.
// Each provided value is applied only when strictly greater than the stored
// one, so the watermark never moves backward regardless of caller ordering.
func (s *Store) UpdateWatermarks(ctx context.Context, boxID string, lastMeasurementAt, lastDataFetched *time.Time) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, updateWatermarksQuery, boxID, toUTC(lastMeasurementAt), toUTC(lastDataFetched))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store: update watermarks for box %s: %w", boxID, err)
	}
	return nil
}

func toUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
