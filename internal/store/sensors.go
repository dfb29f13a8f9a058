package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const upsertSensorQuery = `
INSERT INTO sensor (sensor_id, box_id, title, sensor_type, unit, icon)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (sensor_id) DO UPDATE SET
	title = EXCLUDED.title,
	sensor_type = EXCLUDED.sensor_type,
	unit = EXCLUDED.unit,
	icon = EXCLUDED.icon`

// UpsertSensor creates a sensor on first metadata sync and refreshes its
// descriptive fields afterwards. Sensors are never deleted.
func (s *Store) UpsertSensor(ctx context.Context, sensor Sensor) error {
	if sensor.SensorID == "" || sensor.BoxID == "" {
		return fmt.Errorf("store: sensor id and box id are required")
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, upsertSensorQuery,
			sensor.SensorID, sensor.BoxID, sensor.Title, sensor.SensorType, sensor.Unit, sensor.Icon)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert sensor %s: %w", sensor.SensorID, err)
	}
	return nil
}

const listSensorsQuery = `
SELECT sensor_id, box_id, title, sensor_type, unit, icon
FROM sensor WHERE box_id = $1 ORDER BY sensor_id`

// ListSensors returns all sensors of a box ordered by id.
func (s *Store) ListSensors(ctx context.Context, boxID string) ([]Sensor, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var sensors []Sensor
	if err := s.db.SelectContext(opCtx, &sensors, listSensorsQuery, boxID); err != nil {
		return nil, fmt.Errorf("store: list sensors for box %s: %w", boxID, err)
	}
	return sensors, nil
}
