package cluster

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/vlebourl/redlights/internal/db"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

const clusterColumns = `id, centroid_lat, centroid_lng, average_duration_seconds, median_duration_seconds, stop_count, last_updated`

type PostgresStore struct {
	db db.TxQuerier
}

func NewPostgresStore(db db.TxQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ClusterCandidates(ctx context.Context, box geo.Box) ([]ride.Cluster, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+clusterColumns+`
		FROM stop_clusters
		WHERE centroid_lat BETWEEN $1 AND $2
		  AND centroid_lng BETWEEN $3 AND $4
		ORDER BY id
	`, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, err
	}
	return scanClusters(rows)
}

func (s *PostgresStore) GetCluster(ctx context.Context, id int64) (ride.Cluster, error) {
	row := s.db.QueryRow(ctx, `SELECT `+clusterColumns+` FROM stop_clusters WHERE id=$1`, id)
	c, err := scanCluster(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ride.Cluster{}, ride.ErrNotFound
	}
	if err != nil {
		return ride.Cluster{}, err
	}

	members, err := s.memberIDs(ctx, []int64{id})
	if err != nil {
		return ride.Cluster{}, err
	}
	c.MemberStopIDs = members[id]
	return c, nil
}

func (s *PostgresStore) ClusterMembers(ctx context.Context, id int64) ([]ride.StopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+db.StopColumns+`
		FROM stop_events WHERE cluster_id=$1
		ORDER BY started_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	return db.ScanStops(rows)
}

func (s *PostgresStore) CreateCluster(ctx context.Context, c ride.Cluster, stopID int64) (ride.Cluster, error) {
	err := db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		id, err := insertCluster(ctx, tx, c)
		if err != nil {
			return err
		}
		c.ID = id
		return setStopCluster(ctx, tx, stopID, id)
	})
	if err != nil {
		return ride.Cluster{}, err
	}
	return c, nil
}

func (s *PostgresStore) AttachStop(ctx context.Context, c ride.Cluster, stopID int64) error {
	return db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := setStopCluster(ctx, tx, stopID, c.ID); err != nil {
			return err
		}
		return updateCluster(ctx, tx, c)
	})
}

func (s *PostgresStore) UpdateCluster(ctx context.Context, c ride.Cluster) error {
	return updateCluster(ctx, s.db, c)
}

func (s *PostgresStore) DeleteCluster(ctx context.Context, id int64) error {
	return db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE stop_events SET cluster_id=NULL WHERE cluster_id=$1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM stop_clusters WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ride.ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) StopsForSession(ctx context.Context, sessionID string) ([]ride.StopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+db.StopColumns+`
		FROM stop_events WHERE session_id=$1
		ORDER BY started_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return db.ScanStops(rows)
}

func (s *PostgresStore) AllStops(ctx context.Context) ([]ride.StopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+db.StopColumns+`
		FROM stop_events
		ORDER BY started_at, id
	`)
	if err != nil {
		return nil, err
	}
	return db.ScanStops(rows)
}

func (s *PostgresStore) UnclusteredStops(ctx context.Context) ([]ride.StopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+db.StopColumns+`
		FROM stop_events
		WHERE cluster_id IS NULL
		  AND session_id IN (SELECT id FROM ride_sessions WHERE end_time IS NOT NULL)
		ORDER BY started_at, id
	`)
	if err != nil {
		return nil, err
	}
	return db.ScanStops(rows)
}

func (s *PostgresStore) ReplaceClusters(ctx context.Context, clusters []ride.Cluster) ([]ride.Cluster, error) {
	out := make([]ride.Cluster, len(clusters))
	err := db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE stop_events SET cluster_id=NULL WHERE cluster_id IS NOT NULL`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stop_clusters`); err != nil {
			return err
		}
		for i, c := range clusters {
			id, err := insertCluster(ctx, tx, c)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE stop_events SET cluster_id=$1 WHERE id = ANY($2)`, id, c.MemberStopIDs); err != nil {
				return err
			}
			c.ID = id
			out[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, limit, offset int) ([]ride.Cluster, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+clusterColumns+`
		FROM stop_clusters
		ORDER BY stop_count DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	clusters, err := scanClusters(rows)
	if err != nil || len(clusters) == 0 {
		return clusters, err
	}

	ids := make([]int64, len(clusters))
	for i, c := range clusters {
		ids[i] = c.ID
	}
	members, err := s.memberIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range clusters {
		clusters[i].MemberStopIDs = members[clusters[i].ID]
	}
	return clusters, nil
}

func (s *PostgresStore) memberIDs(ctx context.Context, clusterIDs []int64) (map[int64][]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT cluster_id, id
		FROM stop_events
		WHERE cluster_id = ANY($1)
		ORDER BY cluster_id, id
	`, clusterIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := map[int64][]int64{}
	for rows.Next() {
		var clusterID, stopID int64
		if err := rows.Scan(&clusterID, &stopID); err != nil {
			return nil, err
		}
		members[clusterID] = append(members[clusterID], stopID)
	}
	return members, rows.Err()
}

func insertCluster(ctx context.Context, q db.Querier, c ride.Cluster) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO stop_clusters (centroid_lat, centroid_lng, average_duration_seconds, median_duration_seconds, stop_count, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, c.CentroidLatitude, c.CentroidLongitude, c.AverageDurationSeconds, c.MedianDurationSeconds, c.StopCount, c.LastUpdated).Scan(&id)
	return id, err
}

func updateCluster(ctx context.Context, q db.Querier, c ride.Cluster) error {
	tag, err := q.Exec(ctx, `
		UPDATE stop_clusters
		SET centroid_lat=$2, centroid_lng=$3, average_duration_seconds=$4, median_duration_seconds=$5, stop_count=$6, last_updated=$7
		WHERE id=$1
	`, c.ID, c.CentroidLatitude, c.CentroidLongitude, c.AverageDurationSeconds, c.MedianDurationSeconds, c.StopCount, c.LastUpdated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ride.ErrNotFound
	}
	return nil
}

func setStopCluster(ctx context.Context, q db.Querier, stopID, clusterID int64) error {
	tag, err := q.Exec(ctx, `UPDATE stop_events SET cluster_id=$2 WHERE id=$1`, stopID, clusterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ride.ErrNotFound
	}
	return nil
}

func scanCluster(row pgx.Row) (ride.Cluster, error) {
	var c ride.Cluster
	err := row.Scan(&c.ID, &c.CentroidLatitude, &c.CentroidLongitude, &c.AverageDurationSeconds, &c.MedianDurationSeconds, &c.StopCount, &c.LastUpdated)
	return c, err
}

func scanClusters(rows pgx.Rows) ([]ride.Cluster, error) {
	defer rows.Close()

	var clusters []ride.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
