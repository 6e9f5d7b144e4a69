package tracking

import (
	"math"
	"time"

	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

type SamplerParams struct {
	SpeedDeltaKmh   float64
	BearingDeltaDeg float64
	MaxInterval     time.Duration
}

func DefaultSamplerParams() SamplerParams {
	return SamplerParams{
		SpeedDeltaKmh:   2.0,
		BearingDeltaDeg: 15.0,
		MaxInterval:     30 * time.Second,
	}
}

// ShouldStore decides whether fix is significant compared to the last stored
// one. Every fix is kept while the rider is stopped.
func ShouldStore(fix ride.Fix, last *ride.Fix, stopped bool, p SamplerParams) bool {
	if last == nil || stopped {
		return true
	}
	if math.Abs(fix.SpeedKmh-last.SpeedKmh) > p.SpeedDeltaKmh {
		return true
	}
	if fix.Bearing != nil && last.Bearing != nil &&
		geo.BearingDelta(*fix.Bearing, *last.Bearing) > p.BearingDeltaDeg {
		return true
	}
	return fix.Timestamp.Sub(last.Timestamp) > p.MaxInterval
}

// Sampler remembers the last stored fix of a session. Like Detector it is a
// value; Stored returns the advanced copy.
type Sampler struct {
	params SamplerParams
	last   *ride.Fix
}

func NewSampler(params SamplerParams) Sampler {
	return Sampler{params: params}
}

func (s Sampler) ShouldStore(fix ride.Fix, stopped bool) bool {
	return ShouldStore(fix, s.last, stopped, s.params)
}

func (s Sampler) Stored(fix ride.Fix) Sampler {
	f := fix
	s.last = &f
	return s
}
