package tracking

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vlebourl/redlights/internal/db"
	"github.com/vlebourl/redlights/internal/ride"
)

const sessionColumns = `id, start_time, end_time, total_distance_km, total_stop_seconds, stop_count, average_speed_kmh, max_speed_kmh`

// PostgresRepository stores sessions, waypoints and stops in Postgres.
type PostgresRepository struct {
	db db.TxQuerier
}

func NewPostgresRepository(db db.TxQuerier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s ride.Session) (ride.Session, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO ride_sessions (id, start_time)
		VALUES ($1,$2)
		RETURNING start_time
	`, s.ID, s.StartTime)
	if err := row.Scan(&s.StartTime); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ride.Session{}, ride.ErrActiveSessionExists
		}
		return ride.Session{}, err
	}
	return s, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (ride.Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ride_sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ride.Session{}, ride.ErrNotFound
	}
	return s, err
}

func (r *PostgresRepository) ActiveSession(ctx context.Context) (*ride.Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM ride_sessions WHERE end_time IS NULL`)
	if err != nil {
		return nil, err
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	switch len(sessions) {
	case 0:
		return nil, nil
	case 1:
		return &sessions[0], nil
	default:
		return nil, &ride.InvariantError{What: "more than one active session"}
	}
}

func (r *PostgresRepository) ListSessions(ctx context.Context, limit, offset int) ([]ride.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM ride_sessions
		ORDER BY start_time, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (r *PostgresRepository) RecordFix(ctx context.Context, w ride.FixWrite) (ride.FixWrite, error) {
	err := db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		if w.Waypoint != nil {
			wp := *w.Waypoint
			row := tx.QueryRow(ctx, `
				INSERT INTO route_waypoints (session_id, lat, lng, speed_kmh, bearing, accuracy_m, recorded_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				RETURNING id
			`, wp.SessionID, wp.Latitude, wp.Longitude, wp.SpeedKmh, wp.Bearing, wp.Accuracy, wp.Timestamp)
			if err := row.Scan(&wp.ID); err != nil {
				return err
			}
			w.Waypoint = &wp
		}

		if w.Stop != nil {
			st := *w.Stop
			row := tx.QueryRow(ctx, `
				INSERT INTO stop_events (session_id, lat, lng, duration_seconds, started_at, speed_before_kmh, sequence_number, bearing)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				RETURNING id
			`, st.SessionID, st.Latitude, st.Longitude, st.DurationSeconds, st.Timestamp, st.SpeedBeforeStop, st.SequenceNumber, st.Bearing)
			if err := row.Scan(&st.ID); err != nil {
				return err
			}
			w.Stop = &st
		}

		return updateTotals(ctx, tx, w.Session, false)
	})
	if err != nil {
		return ride.FixWrite{}, err
	}
	return w, nil
}

func (r *PostgresRepository) FinalizeSession(ctx context.Context, s ride.Session) error {
	if s.EndTime == nil {
		return &ride.ValidationError{Field: "end_time", Value: nil, Reason: "required to finalize"}
	}
	return updateTotals(ctx, r.db, s, true)
}

func updateTotals(ctx context.Context, q db.Querier, s ride.Session, finalize bool) error {
	sql := `
		UPDATE ride_sessions
		SET total_distance_km=$2, total_stop_seconds=$3, stop_count=$4, average_speed_kmh=$5, max_speed_kmh=$6
		WHERE id=$1 AND end_time IS NULL
	`
	args := []any{s.ID, s.TotalDistanceKm, s.TotalStopSeconds, s.StopCount, s.AverageSpeedKmh, s.MaxSpeedKmh}
	if finalize {
		sql = `
		UPDATE ride_sessions
		SET total_distance_km=$2, total_stop_seconds=$3, stop_count=$4, average_speed_kmh=$5, max_speed_kmh=$6, end_time=$7
		WHERE id=$1 AND end_time IS NULL
	`
		args = append(args, *s.EndTime)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ride.ErrSessionNotActive
	}
	return nil
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM ride_sessions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ride.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) UnfinishedSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM ride_sessions WHERE end_time IS NULL ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) DiscardUnfinished(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM ride_sessions WHERE end_time IS NULL`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Waypoints(ctx context.Context, sessionID string) ([]ride.Waypoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, lat, lng, speed_kmh, bearing, accuracy_m, recorded_at
		FROM route_waypoints WHERE session_id=$1
		ORDER BY recorded_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waypoints []ride.Waypoint
	for rows.Next() {
		var w ride.Waypoint
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Latitude, &w.Longitude, &w.SpeedKmh, &w.Bearing, &w.Accuracy, &w.Timestamp); err != nil {
			return nil, err
		}
		waypoints = append(waypoints, w)
	}
	return waypoints, rows.Err()
}

func (r *PostgresRepository) Stops(ctx context.Context, sessionID string) ([]ride.StopEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+db.StopColumns+`
		FROM stop_events WHERE session_id=$1
		ORDER BY sequence_number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return db.ScanStops(rows)
}

func (r *PostgresRepository) ClusterIDsForSession(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT cluster_id
		FROM stop_events
		WHERE session_id=$1 AND cluster_id IS NOT NULL
		ORDER BY cluster_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row pgx.Row) (ride.Session, error) {
	var s ride.Session
	err := row.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.TotalDistanceKm, &s.TotalStopSeconds, &s.StopCount, &s.AverageSpeedKmh, &s.MaxSpeedKmh)
	return s, err
}

func scanSessions(rows pgx.Rows) ([]ride.Session, error) {
	defer rows.Close()

	var sessions []ride.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
