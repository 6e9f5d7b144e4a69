package tracking

import (
	"time"

	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

// DetectorParams tunes stop detection.
type DetectorParams struct {
	SpeedThresholdKmh float64
	PotentialDuration time.Duration
	ToleranceRadiusM  float64
}

func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		SpeedThresholdKmh: 5.0,
		PotentialDuration: 15 * time.Second,
		ToleranceRadiusM:  10,
	}
}

type State int

const (
	Moving State = iota
	PotentialStop
	ConfirmedStop
)

func (s State) String() string {
	switch s {
	case PotentialStop:
		return "potential_stop"
	case ConfirmedStop:
		return "confirmed_stop"
	default:
		return "moving"
	}
}

// detectorState is one of moving, potentialStop or confirmedStop. Each
// variant only carries the fields valid in that state.
type detectorState interface {
	kind() State
}

type moving struct{}

type potentialStop struct {
	anchor          ride.Fix
	speedBeforeStop float64
}

type confirmedStop struct {
	event ride.StopEvent
}

func (moving) kind() State { return Moving }
func (potentialStop) kind() State { return PotentialStop }
func (confirmedStop) kind() State { return ConfirmedStop }

// Detector is the per-session stop state machine. It is an immutable value:
// Step returns the successor and leaves the receiver untouched, so a caller
// can drop the successor when persisting its output fails.
type Detector struct {
	params         DetectorParams
	sessionID      string
	state          detectorState
	lastMovingKmh  float64
	confirmedCount int
}

func NewDetector(sessionID string, params DetectorParams) Detector {
	return Detector{params: params, sessionID: sessionID, state: moving{}}
}

func (d Detector) State() State {
	if d.state == nil {
		return Moving
	}
	return d.state.kind()
}

// Stopped reports whether the rider is in a potential or confirmed stop.
func (d Detector) Stopped() bool {
	return d.State() != Moving
}

// Reset returns the machine to Moving with no anchor. The confirmed count is
// kept since sequence numbers are unique per session.
func (d Detector) Reset() Detector {
	d.state = moving{}
	d.lastMovingKmh = 0
	return d
}

// Step feeds one accepted fix. The returned event is non-nil only on the
// transition into ConfirmedStop.
func (d Detector) Step(fix ride.Fix) (Detector, *ride.StopEvent) {
	slow := fix.SpeedKmh < d.params.SpeedThresholdKmh

	switch st := d.state.(type) {
	case potentialStop:
		if !slow {
			return d.toMoving(fix), nil
		}
		if geo.DistanceMeters(st.anchor.Point(), fix.Point()) > d.params.ToleranceRadiusM {
			// Drifted out of the tolerance window: this anchor was not a
			// stop. Still slow, so the drifted fix anchors a new candidate.
			d.state = potentialStop{anchor: fix, speedBeforeStop: st.speedBeforeStop}
			return d, nil
		}
		elapsed := fix.Timestamp.Sub(st.anchor.Timestamp)
		if elapsed < d.params.PotentialDuration {
			return d, nil
		}
		event, err := ride.NewStopEvent(
			d.sessionID,
			st.anchor.Latitude,
			st.anchor.Longitude,
			int(elapsed/time.Second),
			st.anchor.Timestamp,
			st.speedBeforeStop,
			d.confirmedCount+1,
			st.anchor.Bearing,
		)
		if err != nil {
			// Only reachable with a potential duration below the stop minimum.
			return d, nil
		}
		d.confirmedCount++
		d.state = confirmedStop{event: event}
		return d, &event

	case confirmedStop:
		if !slow {
			return d.toMoving(fix), nil
		}
		return d, nil

	default:
		if slow {
			d.state = potentialStop{anchor: fix, speedBeforeStop: d.lastMovingKmh}
			return d, nil
		}
		d.state = moving{}
		d.lastMovingKmh = fix.SpeedKmh
		return d, nil
	}
}

func (d Detector) toMoving(fix ride.Fix) Detector {
	d.state = moving{}
	d.lastMovingKmh = fix.SpeedKmh
	return d
}
