package db

import "context"

// Schema creates the ride tables. Waypoints and stop events cascade with their
// session; stop_events.cluster_id is a plain nullable reference so removing a
// stop never removes its cluster implicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS ride_sessions (
	id                  TEXT PRIMARY KEY,
	start_time          TIMESTAMPTZ NOT NULL,
	end_time            TIMESTAMPTZ,
	total_distance_km   DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_stop_seconds  BIGINT NOT NULL DEFAULT 0,
	stop_count          INTEGER NOT NULL DEFAULT 0,
	average_speed_kmh   DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_speed_kmh       DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS ride_sessions_single_active
	ON ride_sessions ((end_time IS NULL)) WHERE end_time IS NULL;

CREATE TABLE IF NOT EXISTS stop_clusters (
	id                        BIGSERIAL PRIMARY KEY,
	centroid_lat              DOUBLE PRECISION NOT NULL,
	centroid_lng              DOUBLE PRECISION NOT NULL,
	average_duration_seconds  DOUBLE PRECISION NOT NULL,
	median_duration_seconds   DOUBLE PRECISION NOT NULL,
	stop_count                INTEGER NOT NULL,
	last_updated              TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS stop_clusters_centroid ON stop_clusters (centroid_lat, centroid_lng);

CREATE TABLE IF NOT EXISTS route_waypoints (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES ride_sessions(id) ON DELETE CASCADE,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	speed_kmh   DOUBLE PRECISION NOT NULL,
	bearing     DOUBLE PRECISION,
	accuracy_m  DOUBLE PRECISION,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS route_waypoints_session ON route_waypoints (session_id, recorded_at);

CREATE TABLE IF NOT EXISTS stop_events (
	id                 BIGSERIAL PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES ride_sessions(id) ON DELETE CASCADE,
	lat                DOUBLE PRECISION NOT NULL,
	lng                DOUBLE PRECISION NOT NULL,
	duration_seconds   INTEGER NOT NULL CHECK (duration_seconds >= 15),
	started_at         TIMESTAMPTZ NOT NULL,
	speed_before_kmh   DOUBLE PRECISION NOT NULL,
	sequence_number    INTEGER NOT NULL CHECK (sequence_number >= 1),
	bearing            DOUBLE PRECISION,
	cluster_id         BIGINT REFERENCES stop_clusters(id) ON DELETE SET NULL,
	UNIQUE (session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS stop_events_cluster ON stop_events (cluster_id);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, Schema)
	return err
}
