package ride

import (
	"time"

	"github.com/vlebourl/redlights/internal/shared/geo"
)

// Fix is one raw sample from the GPS source. It is never persisted as-is.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) Point() geo.Point {
	return geo.Point{Lat: f.Latitude, Lng: f.Longitude}
}

type Waypoint struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StopEvent struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Latitude        float64   `json:"lat"`
	Longitude       float64   `json:"lng"`
	DurationSeconds int       `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
	SpeedBeforeStop float64   `json:"speed_before_stop_kmh"`
	SequenceNumber  int       `json:"sequence_number"`
	Bearing         *float64  `json:"bearing,omitempty"`
	ClusterID       *int64    `json:"cluster_id,omitempty"`
}

func (s StopEvent) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lng: s.Longitude}
}

type Session struct {
	ID               string     `json:"id"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	TotalDistanceKm  float64    `json:"total_distance_km"`
	TotalStopSeconds int64      `json:"total_stop_seconds"`
	StopCount        int        `json:"stop_count"`
	AverageSpeedKmh  float64    `json:"average_speed_kmh"`
	MaxSpeedKmh      float64    `json:"max_speed_kmh"`
}

// Active reports whether the session has not been finalized yet.
func (s Session) Active() bool {
	return s.EndTime == nil
}

type Cluster struct {
	ID                     int64     `json:"id"`
	CentroidLatitude       float64   `json:"centroid_lat"`
	CentroidLongitude      float64   `json:"centroid_lng"`
	AverageDurationSeconds float64   `json:"average_duration_seconds"`
	MedianDurationSeconds  float64   `json:"median_duration_seconds"`
	StopCount              int       `json:"stop_count"`
	MemberStopIDs          []int64   `json:"member_stop_ids"`
	LastUpdated            time.Time `json:"last_updated"`
}

func (c Cluster) Centroid() geo.Point {
	return geo.Point{Lat: c.CentroidLatitude, Lng: c.CentroidLongitude}
}

// CheckInvariants verifies that the stored count agrees with the member set.
func (c Cluster) CheckInvariants() error {
	if c.StopCount != len(c.MemberStopIDs) {
		return &InvariantError{What: "cluster stop_count disagrees with member set size"}
	}
	seen := make(map[int64]struct{}, len(c.MemberStopIDs))
	for _, id := range c.MemberStopIDs {
		if _, ok := seen[id]; ok {
			return &InvariantError{What: "cluster member set contains a duplicate stop"}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// FixWrite is everything one accepted fix persists, written atomically: the
// updated session totals plus an optional waypoint and an optional stop.
type FixWrite struct {
	Session  Session
	Waypoint *Waypoint
	Stop     *StopEvent
}
