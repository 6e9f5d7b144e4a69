package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/vlebourl/redlights/internal/ride"
)

var clusterCols = []string{"id", "centroid_lat", "centroid_lng", "average_duration_seconds", "median_duration_seconds", "stop_count", "last_updated"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestGetClusterLoadsMembers(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(`FROM stop_clusters WHERE id=`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(clusterCols).AddRow(int64(3), 45.76, 4.83, 25.0, 25.0, 2, now))
	mock.ExpectQuery(`SELECT cluster_id, id`).
		WithArgs([]int64{3}).
		WillReturnRows(pgxmock.NewRows([]string{"cluster_id", "id"}).
			AddRow(int64(3), int64(10)).
			AddRow(int64(3), int64(11)))

	c, err := NewPostgresStore(mock).GetCluster(context.Background(), 3)
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if c.StopCount != 2 || len(c.MemberStopIDs) != 2 || c.MemberStopIDs[1] != 11 {
		t.Fatalf("unexpected cluster %+v", c)
	}
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetClusterNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM stop_clusters WHERE id=`).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows(clusterCols))

	_, err := NewPostgresStore(mock).GetCluster(context.Background(), 9)
	if !errors.Is(err, ride.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateClusterLinksStop(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO stop_clusters`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=\$2 WHERE id=\$1`).
		WithArgs(int64(10), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	c, err := NewPostgresStore(mock).CreateCluster(context.Background(), ride.Cluster{StopCount: 1}, 10)
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if c.ID != 7 {
		t.Fatalf("expected id 7, got %d", c.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAttachStopRollsBackOnMissingStop(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=\$2 WHERE id=\$1`).
		WithArgs(int64(99), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := NewPostgresStore(mock).AttachStop(context.Background(), ride.Cluster{ID: 7, StopCount: 2}, 99)
	if !errors.Is(err, ride.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteClusterUnlinksStops(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=NULL WHERE cluster_id=\$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`DELETE FROM stop_clusters WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	if err := NewPostgresStore(mock).DeleteCluster(context.Background(), 4); err != nil {
		t.Fatalf("delete cluster: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceClustersInOneTransaction(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=NULL WHERE cluster_id IS NOT NULL`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`DELETE FROM stop_clusters`).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(`INSERT INTO stop_clusters`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=\$1 WHERE id = ANY`).
		WithArgs(int64(21), []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery(`INSERT INTO stop_clusters`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(22)))
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=\$1 WHERE id = ANY`).
		WithArgs(int64(22), []int64{3}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	out, err := NewPostgresStore(mock).ReplaceClusters(context.Background(), []ride.Cluster{
		{ID: 1, StopCount: 2, MemberStopIDs: []int64{1, 2}},
		{ID: 2, StopCount: 1, MemberStopIDs: []int64{3}},
	})
	if err != nil {
		t.Fatalf("replace clusters: %v", err)
	}
	if len(out) != 2 || out[0].ID != 21 || out[1].ID != 22 {
		t.Fatalf("unexpected ids %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceClustersFailureRollsBack(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE stop_events SET cluster_id=NULL`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`DELETE FROM stop_clusters`).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	if _, err := NewPostgresStore(mock).ReplaceClusters(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStopsForSession(t *testing.T) {
	mock := newMock(t)
	cols := []string{"id", "session_id", "lat", "lng", "duration_seconds", "started_at", "speed_before_kmh", "sequence_number", "bearing", "cluster_id"}

	mock.ExpectQuery(`FROM stop_events WHERE session_id=\$1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(1), "s1", 45.76, 4.83, 20, time.Now(), 22.0, 1, (*float64)(nil), (*int64)(nil)))

	stops, err := NewPostgresStore(mock).StopsForSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("stops: %v", err)
	}
	if len(stops) != 1 || stops[0].ClusterID != nil || stops[0].DurationSeconds != 20 {
		t.Fatalf("unexpected stops %+v", stops)
	}
}

func TestUnclusteredStops(t *testing.T) {
	mock := newMock(t)
	cols := []string{"id", "session_id", "lat", "lng", "duration_seconds", "started_at", "speed_before_kmh", "sequence_number", "bearing", "cluster_id"}

	mock.ExpectQuery(`WHERE cluster_id IS NULL\s+AND session_id IN \(SELECT id FROM ride_sessions WHERE end_time IS NOT NULL\)`).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(7), "s1", 45.76, 4.83, 18, time.Now(), 21.0, 2, (*float64)(nil), (*int64)(nil)))

	stops, err := NewPostgresStore(mock).UnclusteredStops(context.Background())
	if err != nil {
		t.Fatalf("unclustered stops: %v", err)
	}
	if len(stops) != 1 || stops[0].ID != 7 || stops[0].ClusterID != nil {
		t.Fatalf("unexpected stops %+v", stops)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
