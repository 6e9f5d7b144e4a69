package ride

import (
	"math"
	"time"
)

// MinStopSeconds is the shortest stop that can ever be recorded.
const MinStopSeconds = 15

// NewFix builds a Fix, rejecting out-of-range coordinates, speed, bearing
// and accuracy. A nil accuracy is allowed here; the accuracy gate drops it.
func NewFix(lat, lng, speedKmh float64, bearing, accuracy *float64, ts time.Time) (Fix, error) {
	if err := checkCoordinates(lat, lng); err != nil {
		return Fix{}, err
	}
	if math.IsNaN(speedKmh) || speedKmh < 0 {
		return Fix{}, &ValidationError{Field: "speed", Value: speedKmh, Reason: "must be >= 0"}
	}
	if bearing != nil {
		if err := checkBearing(*bearing); err != nil {
			return Fix{}, err
		}
	}
	if accuracy != nil && (math.IsNaN(*accuracy) || *accuracy <= 0) {
		return Fix{}, &ValidationError{Field: "accuracy", Value: *accuracy, Reason: "must be > 0"}
	}
	if ts.IsZero() {
		return Fix{}, &ValidationError{Field: "timestamp", Value: ts, Reason: "required"}
	}
	return Fix{
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speedKmh,
		Bearing:   bearing,
		Accuracy:  accuracy,
		Timestamp: ts,
	}, nil
}

// Validate re-checks a Fix that was decoded rather than built with NewFix.
func (f Fix) Validate() error {
	_, err := NewFix(f.Latitude, f.Longitude, f.SpeedKmh, f.Bearing, f.Accuracy, f.Timestamp)
	return err
}

// NewWaypoint turns an accepted fix into a route waypoint for sessionID.
func NewWaypoint(sessionID string, f Fix) (Waypoint, error) {
	if err := f.Validate(); err != nil {
		return Waypoint{}, err
	}
	return Waypoint{
		SessionID: sessionID,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		SpeedKmh:  f.SpeedKmh,
		Bearing:   f.Bearing,
		Accuracy:  f.Accuracy,
		Timestamp: f.Timestamp,
	}, nil
}

// NewStopEvent validates and builds a stop event. The cluster reference is
// always unset on creation.
func NewStopEvent(sessionID string, lat, lng float64, durationSec int, start time.Time, speedBefore float64, seq int, bearing *float64) (StopEvent, error) {
	if err := checkCoordinates(lat, lng); err != nil {
		return StopEvent{}, err
	}
	if durationSec < MinStopSeconds {
		return StopEvent{}, &ValidationError{Field: "duration", Value: durationSec, Reason: "must be >= 15s"}
	}
	if seq < 1 {
		return StopEvent{}, &ValidationError{Field: "sequence_number", Value: seq, Reason: "must be >= 1"}
	}
	if math.IsNaN(speedBefore) || speedBefore < 0 {
		return StopEvent{}, &ValidationError{Field: "speed_before_stop", Value: speedBefore, Reason: "must be >= 0"}
	}
	if bearing != nil {
		if err := checkBearing(*bearing); err != nil {
			return StopEvent{}, err
		}
	}
	return StopEvent{
		SessionID:       sessionID,
		Latitude:        lat,
		Longitude:       lng,
		DurationSeconds: durationSec,
		Timestamp:       start,
		SpeedBeforeStop: speedBefore,
		SequenceNumber:  seq,
		Bearing:         bearing,
	}, nil
}

func checkCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return &ValidationError{Field: "latitude", Value: lat, Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return &ValidationError{Field: "longitude", Value: lng, Reason: "must be within [-180, 180]"}
	}
	return nil
}

func checkBearing(b float64) error {
	if math.IsNaN(b) || b < 0 || b > 360 {
		return &ValidationError{Field: "bearing", Value: b, Reason: "must be within [0, 360]"}
	}
	return nil
}
