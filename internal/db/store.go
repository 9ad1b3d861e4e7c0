package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arrival-tracker/internal/transit"
)

var ErrNoSettings = errors.New("scheduler settings row missing")

// Store implements the registry, arrival log, pending arrival and settings
// stores on one Postgres database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListActiveTargets returns every target with active = true.
func (s *Store) ListActiveTargets(ctx context.Context) ([]transit.TrackingTarget, error) {
	q := `
SELECT id, owner, vehicle_id, vehicle_label, stop_id, stop_label, COALESCE(stop_sub_code, ''), active
FROM tracking_targets
WHERE active
ORDER BY stop_id, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []transit.TrackingTarget
	for rows.Next() {
		var t transit.TrackingTarget
		if err := rows.Scan(&t.ID, &t.Owner, &t.VehicleID, &t.VehicleLabel, &t.StopID, &t.StopLabel, &t.StopSubCode, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertArrival(ctx context.Context, e transit.ArrivalLogEntry) error {
	q := `
INSERT INTO arrival_log (id, owner, vehicle_id, vehicle_label, stop_id, stop_label, arrived_at, day_of_week, vehicle_physical_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Owner, e.VehicleID, e.VehicleLabel, e.StopID, e.StopLabel,
		e.ArrivedAt, int(e.DayOfWeek), nullStr(e.VehiclePhysicalID),
	)
	if err != nil {
		return fmt.Errorf("insert arrival: %w", err)
	}
	return nil
}

// ArrivalExistsSince reports whether an arrival for the same owner, vehicle
// and stop was logged at or after since.
func (s *Store) ArrivalExistsSince(ctx context.Context, owner, vehicleID, stopID string, since time.Time) (bool, error) {
	q := `
SELECT EXISTS (
  SELECT 1 FROM arrival_log
  WHERE owner = $1 AND vehicle_id = $2 AND stop_id = $3 AND arrived_at >= $4
)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, owner, vehicleID, stopID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("query recent arrival: %w", err)
	}
	return exists, nil
}

func (s *Store) UpsertPending(ctx context.Context, p transit.PendingArrival) error {
	q := `
INSERT INTO pending_arrivals (owner, vehicle_id, stop_id, predicted_seconds, vehicle_physical_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner, vehicle_id, stop_id) DO UPDATE
SET predicted_seconds = excluded.predicted_seconds,
    vehicle_physical_id = COALESCE(excluded.vehicle_physical_id, pending_arrivals.vehicle_physical_id),
    updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q,
		p.Key.Owner, p.Key.VehicleID, p.Key.StopID,
		p.PredictedSeconds, nullStr(p.VehiclePhysicalID), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert pending: %w", err)
	}
	return nil
}

// GetPending returns the pending arrival for key; ok is false when none exists.
func (s *Store) GetPending(ctx context.Context, key transit.PendingKey) (transit.PendingArrival, bool, error) {
	q := `
SELECT predicted_seconds, COALESCE(vehicle_physical_id, ''), updated_at
FROM pending_arrivals
WHERE owner = $1 AND vehicle_id = $2 AND stop_id = $3`
	p := transit.PendingArrival{Key: key}
	err := s.db.QueryRowContext(ctx, q, key.Owner, key.VehicleID, key.StopID).Scan(&p.PredictedSeconds, &p.VehiclePhysicalID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.PendingArrival{}, false, nil
	}
	if err != nil {
		return transit.PendingArrival{}, false, fmt.Errorf("query pending: %w", err)
	}
	return p, true, nil
}

func (s *Store) DeletePending(ctx context.Context, key transit.PendingKey) error {
	q := `DELETE FROM pending_arrivals WHERE owner = $1 AND vehicle_id = $2 AND stop_id = $3`
	if _, err := s.db.ExecContext(ctx, q, key.Owner, key.VehicleID, key.StopID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// DeletePendingExcept removes pending arrivals for every key missing from
// keep. An empty keep clears the table.
func (s *Store) DeletePendingExcept(ctx context.Context, keep []transit.PendingKey) (int, error) {
	owners := make([]string, len(keep))
	vehicles := make([]string, len(keep))
	stops := make([]string, len(keep))
	for i, k := range keep {
		owners[i], vehicles[i], stops[i] = k.Owner, k.VehicleID, k.StopID
	}
	q := `
DELETE FROM pending_arrivals p
WHERE NOT EXISTS (
    SELECT 1 FROM unnest($1::text[], $2::text[], $3::text[]) AS k(owner, vehicle_id, stop_id)
    WHERE k.owner = p.owner AND k.vehicle_id = p.vehicle_id AND k.stop_id = p.stop_id
)`
	res, err := s.db.ExecContext(ctx, q, owners, vehicles, stops)
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	return int(n), nil
}

// ReadSettings returns the single scheduler settings row.
func (s *Store) ReadSettings(ctx context.Context) (transit.SchedulerSettings, error) {
	q := `SELECT enabled, interval_minutes, start_hour, end_hour FROM scheduler_settings WHERE id = 1`
	var st transit.SchedulerSettings
	err := s.db.QueryRowContext(ctx, q).Scan(&st.Enabled, &st.IntervalMinutes, &st.StartHour, &st.EndHour)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.SchedulerSettings{}, ErrNoSettings
	}
	if err != nil {
		return transit.SchedulerSettings{}, fmt.Errorf("query settings: %w", err)
	}
	return st, nil
}

// UpdateSettings replaces the settings row. Used by the control surface.
func (s *Store) UpdateSettings(ctx context.Context, st transit.SchedulerSettings) error {
	q := `
INSERT INTO scheduler_settings (id, enabled, interval_minutes, start_hour, end_hour, updated_at)
VALUES (1, $1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET enabled = excluded.enabled,
    interval_minutes = excluded.interval_minutes,
    start_hour = excluded.start_hour,
    end_hour = excluded.end_hour,
    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, st.Enabled, st.IntervalMinutes, st.StartHour, st.EndHour); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
