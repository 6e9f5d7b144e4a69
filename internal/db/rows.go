package db

import (
	"github.com/jackc/pgx/v5"
	"github.com/vlebourl/redlights/internal/ride"
)

// StopColumns is the select list matching ScanStop.
const StopColumns = `id, session_id, lat, lng, duration_seconds, started_at, speed_before_kmh, sequence_number, bearing, cluster_id`

func ScanStop(row pgx.Row) (ride.StopEvent, error) {
	var s ride.StopEvent
	err := row.Scan(&s.ID, &s.SessionID, &s.Latitude, &s.Longitude, &s.DurationSeconds, &s.Timestamp,
		&s.SpeedBeforeStop, &s.SequenceNumber, &s.Bearing, &s.ClusterID)
	return s, err
}

// ScanStops drains rows with ScanStop.
func ScanStops(rows pgx.Rows) ([]ride.StopEvent, error) {
	defer rows.Close()

	var stops []ride.StopEvent
	for rows.Next() {
		s, err := ScanStop(rows)
		if err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}
