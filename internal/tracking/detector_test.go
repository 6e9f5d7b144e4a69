package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

var t0 = time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func fixAt(sec int, lat, lng, speed float64) ride.Fix {
	return ride.Fix{
		Latitude:  lat,
		Longitude: lng,
		SpeedKmh:  speed,
		Bearing:   ptr(90),
		Accuracy:  ptr(5),
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
	}
}

// offsetNorth moves a point d metres north.
func offsetNorth(lat, lng, d float64) (float64, float64) {
	return lat + d/geo.EarthRadiusM*180/3.141592653589793, lng
}

// feed steps d through fixes and returns the final detector plus every event.
func feed(d Detector, fixes []ride.Fix) (Detector, []ride.StopEvent) {
	var events []ride.StopEvent
	for _, f := range fixes {
		var ev *ride.StopEvent
		d, ev = d.Step(f)
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return d, events
}

// stationary returns fixes at speed 0 jittering within 2 m of (lat, lng),
// one per second from start for n seconds.
func stationary(start, n int, lat, lng float64) []ride.Fix {
	fixes := make([]ride.Fix, 0, n)
	for i := 0; i < n; i++ {
		jitter := float64(i%3) - 1 // -1, 0, 1 m
		la, lo := offsetNorth(lat, lng, jitter)
		fixes = append(fixes, fixAt(start+i, la, lo, 0))
	}
	return fixes
}

func TestDetectorConfirmsStopAfterFifteenSeconds(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, _ = d.Step(fixAt(0, 45.76, 4.83, 22))

	d, events := feed(d, stationary(1, 17, 45.76, 4.83))
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, 15, ev.DurationSeconds)
	assert.Equal(t, 1, ev.SequenceNumber)
	assert.Equal(t, 22.0, ev.SpeedBeforeStop)
	assert.Equal(t, t0.Add(time.Second), ev.Timestamp)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Nil(t, ev.ClusterID)
	assert.Equal(t, ConfirmedStop, d.State())

	d, _ = d.Step(fixAt(30, 45.7601, 4.83, 18))
	assert.Equal(t, Moving, d.State())

	_, events = feed(d, stationary(40, 17, 45.77, 4.84))
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].SequenceNumber)
	assert.Equal(t, 18.0, events[0].SpeedBeforeStop)
}

func TestDetectorFalseAlarm(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	fixes := stationary(0, 10, 45.76, 4.83)
	fixes = append(fixes, fixAt(10, 45.76, 4.83, 12))
	fixes = append(fixes, stationary(11, 5, 45.76, 4.83)...)

	d, events := feed(d, fixes)
	assert.Empty(t, events)
	assert.Equal(t, PotentialStop, d.State())
	assert.Equal(t, 0, d.confirmedCount)
}

func TestDetectorThresholdIsExclusive(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, _ = d.Step(fixAt(0, 45.76, 4.83, 5.0))
	assert.Equal(t, Moving, d.State(), "exactly the threshold counts as moving")

	d, _ = d.Step(fixAt(1, 45.76, 4.83, 4.9))
	assert.Equal(t, PotentialStop, d.State())
}

func TestDetectorDriftReanchors(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, _ = d.Step(fixAt(0, 45.76, 4.83, 20))
	d, _ = d.Step(fixAt(1, 45.76, 4.83, 2))

	// Creeping 12 m away at walking pace: the first anchor is dropped.
	lat, lng := offsetNorth(45.76, 4.83, 12)
	d, ev := d.Step(fixAt(10, lat, lng, 2))
	assert.Nil(t, ev)
	assert.Equal(t, PotentialStop, d.State())

	// 15 s from the old anchor but only 6 s from the new one.
	d, ev = d.Step(fixAt(16, lat, lng, 0))
	assert.Nil(t, ev)

	_, ev = d.Step(fixAt(25, lat, lng, 0))
	require.NotNil(t, ev)
	assert.Equal(t, 15, ev.DurationSeconds)
	assert.Equal(t, t0.Add(10*time.Second), ev.Timestamp)
	assert.Equal(t, 20.0, ev.SpeedBeforeStop)
}

func TestDetectorStepLeavesReceiverUntouched(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	next, _ := d.Step(fixAt(0, 45.76, 4.83, 0))
	assert.Equal(t, Moving, d.State())
	assert.Equal(t, PotentialStop, next.State())
}

func TestDetectorDurationFrozenAtConfirmation(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, events := feed(d, stationary(0, 60, 45.76, 4.83))
	require.Len(t, events, 1)
	assert.Equal(t, 15, events[0].DurationSeconds)
	assert.Equal(t, ConfirmedStop, d.State())
}

func TestDetectorSignalGap(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, _ = d.Step(fixAt(0, 45.76, 4.83, 0))
	// No fixes for 40 s, then one more at the same place.
	_, ev := d.Step(fixAt(40, 45.76, 4.83, 0))
	require.NotNil(t, ev)
	assert.Equal(t, 40, ev.DurationSeconds)
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector("s1", DefaultDetectorParams())
	d, _ = feed(d, stationary(0, 16, 45.76, 4.83))
	require.Equal(t, 1, d.confirmedCount)

	d = d.Reset()
	assert.Equal(t, Moving, d.State())
	_, events := feed(d, stationary(100, 16, 45.76, 4.83))
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].SequenceNumber)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "moving", Moving.String())
	assert.Equal(t, "potential_stop", PotentialStop.String())
	assert.Equal(t, "confirmed_stop", ConfirmedStop.String())
}
