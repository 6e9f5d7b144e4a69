// Package cluster groups stop events from every recorded session into
// recurring stop locations.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/metrics"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
	"gonum.org/v1/gonum/stat"
)

const DefaultRadiusM = 10.0

// Store is the cluster persistence. A stop belongs to a cluster through its
// cluster_id reference; the member set is always derived from that.
type Store interface {
	// ClusterCandidates returns clusters whose centroid lies in box.
	ClusterCandidates(ctx context.Context, box geo.Box) ([]ride.Cluster, error)
	GetCluster(ctx context.Context, id int64) (ride.Cluster, error)
	ClusterMembers(ctx context.Context, id int64) ([]ride.StopEvent, error)
	// CreateCluster inserts c and points stopID at it in one transaction.
	CreateCluster(ctx context.Context, c ride.Cluster, stopID int64) (ride.Cluster, error)
	// AttachStop points stopID at c.ID and stores c's statistics in one transaction.
	AttachStop(ctx context.Context, c ride.Cluster, stopID int64) error
	UpdateCluster(ctx context.Context, c ride.Cluster) error
	DeleteCluster(ctx context.Context, id int64) error
	StopsForSession(ctx context.Context, sessionID string) ([]ride.StopEvent, error)
	// AllStops returns every stop ordered by start time, then id.
	AllStops(ctx context.Context) ([]ride.StopEvent, error)
	// UnclusteredStops returns stops of finalized sessions that belong to no
	// cluster, ordered by start time, then id.
	UnclusteredStops(ctx context.Context) ([]ride.StopEvent, error)
	// ReplaceClusters drops every cluster and stores clusters in order,
	// assigning fresh ids, all or nothing.
	ReplaceClusters(ctx context.Context, clusters []ride.Cluster) ([]ride.Cluster, error)
	ListClusters(ctx context.Context, limit, offset int) ([]ride.Cluster, error)
}

// Engine assigns stops to clusters. Every operation holds one engine-wide
// lock so two sessions finishing together never recompute the same
// centroid concurrently.
type Engine struct {
	store   Store
	radiusM float64
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

func NewEngine(store Store, radiusM float64, m *metrics.Metrics) *Engine {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	return &Engine{store: store, radiusM: radiusM, metrics: m, now: time.Now}
}

func (e *Engine) RadiusM() float64 {
	return e.radiusM
}

// Assign puts stop into the nearest cluster within the radius, or starts a
// new one. A stop already assigned keeps its cluster.
func (e *Engine) Assign(ctx context.Context, stop ride.StopEvent) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignLocked(ctx, stop)
}

func (e *Engine) assignLocked(ctx context.Context, stop ride.StopEvent) (int64, error) {
	if stop.ClusterID != nil {
		return *stop.ClusterID, nil
	}

	candidates, err := e.store.ClusterCandidates(ctx, geo.BoundingBox(stop.Point(), e.radiusM))
	if err != nil {
		return 0, ride.Storage("cluster candidates", err)
	}

	if idx := nearest(candidates, stop.Point(), e.radiusM); idx >= 0 {
		target := candidates[idx]
		current, err := e.store.GetCluster(ctx, target.ID)
		if err != nil {
			return 0, ride.Storage("get cluster", err)
		}
		if err := current.CheckInvariants(); err != nil {
			return 0, fmt.Errorf("cluster %d: %w", current.ID, err)
		}
		members, err := e.store.ClusterMembers(ctx, target.ID)
		if err != nil {
			return 0, ride.Storage("cluster members", err)
		}
		if len(members) != current.StopCount {
			return 0, &ride.InvariantError{What: fmt.Sprintf("cluster %d has %d member stops but stop_count %d", current.ID, len(members), current.StopCount)}
		}

		updated := summarize(target.ID, append(members, stop), e.now())
		if err := e.store.AttachStop(ctx, updated, stop.ID); err != nil {
			return 0, ride.Storage("attach stop", err)
		}
		e.metrics.Assigned(false)
		return updated.ID, nil
	}

	created, err := e.store.CreateCluster(ctx, summarize(0, []ride.StopEvent{stop}, e.now()), stop.ID)
	if err != nil {
		return 0, ride.Storage("create cluster", err)
	}
	e.metrics.Assigned(true)
	return created.ID, nil
}

// AssignSession clusters every stop of a finished session in timestamp order.
func (e *Engine) AssignSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stops, err := e.store.StopsForSession(ctx, sessionID)
	if err != nil {
		return ride.Storage("session stops", err)
	}
	sortStops(stops)
	for _, s := range stops {
		if _, err := e.assignLocked(ctx, s); err != nil {
			return fmt.Errorf("assign stop %d: %w", s.ID, err)
		}
	}
	if len(stops) > 0 {
		log.Info().Str("session", sessionID).Int("stops", len(stops)).Msg("session stops clustered")
	}
	return nil
}

// AssignUnclustered assigns every stop of a finalized session that is not in
// a cluster yet, which covers clustering lost to a shutdown or a failed
// assignment. It returns how many stops it assigned.
func (e *Engine) AssignUnclustered(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stops, err := e.store.UnclusteredStops(ctx)
	if err != nil {
		return 0, ride.Storage("unclustered stops", err)
	}
	sortStops(stops)
	for i, s := range stops {
		if _, err := e.assignLocked(ctx, s); err != nil {
			return i, fmt.Errorf("assign stop %d: %w", s.ID, err)
		}
	}
	if len(stops) > 0 {
		log.Info().Int("stops", len(stops)).Msg("unclustered stops assigned")
	}
	return len(stops), nil
}

// ScheduleSession clusters the session synchronously. Queue offers the
// asynchronous variant.
func (e *Engine) ScheduleSession(ctx context.Context, sessionID string) error {
	return e.AssignSession(ctx, sessionID)
}

// Recalculate recomputes a cluster from its current members, deleting it
// once none are left.
func (e *Engine) Recalculate(ctx context.Context, clusterID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.GetCluster(ctx, clusterID); err != nil {
		return ride.Storage("get cluster", err)
	}
	members, err := e.store.ClusterMembers(ctx, clusterID)
	if err != nil {
		return ride.Storage("cluster members", err)
	}
	if len(members) == 0 {
		if err := e.store.DeleteCluster(ctx, clusterID); err != nil {
			return ride.Storage("delete cluster", err)
		}
		log.Info().Int64("cluster", clusterID).Msg("empty cluster deleted")
		return nil
	}
	return ride.Storage("update cluster", e.store.UpdateCluster(ctx, summarize(clusterID, members, e.now())))
}

// RebuildAll re-derives every cluster from the full stop history. The new
// set is built in memory and swapped in with one store call, so cancelling
// ctx part-way leaves the previous clusters untouched.
func (e *Engine) RebuildAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stops, err := e.store.AllStops(ctx)
	if err != nil {
		return 0, ride.Storage("all stops", err)
	}
	sortStops(stops)

	var groups [][]ride.StopEvent
	var built []ride.Cluster
	now := e.now()
	for _, s := range stops {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		s.ClusterID = nil
		if idx := nearest(built, s.Point(), e.radiusM); idx >= 0 {
			groups[idx] = append(groups[idx], s)
			built[idx] = summarize(built[idx].ID, groups[idx], now)
			continue
		}
		groups = append(groups, []ride.StopEvent{s})
		// Provisional ids keep creation order for the lowest-id tie-break.
		built = append(built, summarize(int64(len(built)+1), groups[len(groups)-1], now))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stored, err := e.store.ReplaceClusters(ctx, built)
	if err != nil {
		return 0, ride.Storage("replace clusters", err)
	}
	e.metrics.Rebuilt()
	log.Info().Int("stops", len(stops)).Int("clusters", len(stored)).Msg("clusters rebuilt")
	return len(stored), nil
}

func (e *Engine) Get(ctx context.Context, id int64) (ride.Cluster, error) {
	c, err := e.store.GetCluster(ctx, id)
	return c, ride.Storage("get cluster", err)
}

func (e *Engine) List(ctx context.Context, limit, offset int) ([]ride.Cluster, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	clusters, err := e.store.ListClusters(ctx, limit, offset)
	return clusters, ride.Storage("list clusters", err)
}

// Nearby returns clusters whose centroid is within radiusM of p, nearest first.
func (e *Engine) Nearby(ctx context.Context, p geo.Point, radiusM float64) ([]ride.Cluster, error) {
	candidates, err := e.store.ClusterCandidates(ctx, geo.BoundingBox(p, radiusM))
	if err != nil {
		return nil, ride.Storage("cluster candidates", err)
	}
	var out []ride.Cluster
	for _, c := range candidates {
		if geo.DistanceMeters(c.Centroid(), p) <= radiusM {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := geo.DistanceMeters(out[i].Centroid(), p), geo.DistanceMeters(out[j].Centroid(), p)
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// nearest returns the index of the closest cluster whose centroid is within
// radiusM of p, preferring the lowest id on equal distance, or -1.
func nearest(clusters []ride.Cluster, p geo.Point, radiusM float64) int {
	best := -1
	bestDist := 0.0
	for i, c := range clusters {
		d := geo.DistanceMeters(c.Centroid(), p)
		if d > radiusM {
			continue
		}
		if best < 0 || d < bestDist || (d == bestDist && c.ID < clusters[best].ID) {
			best, bestDist = i, d
		}
	}
	return best
}

// summarize derives a cluster entirely from its member stops.
func summarize(id int64, members []ride.StopEvent, now time.Time) ride.Cluster {
	lats := make([]float64, len(members))
	lngs := make([]float64, len(members))
	durations := make([]float64, len(members))
	seconds := make([]int, len(members))
	ids := make([]int64, len(members))
	for i, m := range members {
		lats[i] = m.Latitude
		lngs[i] = m.Longitude
		durations[i] = float64(m.DurationSeconds)
		seconds[i] = m.DurationSeconds
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ride.Cluster{
		ID:                     id,
		CentroidLatitude:       stat.Mean(lats, nil),
		CentroidLongitude:      stat.Mean(lngs, nil),
		AverageDurationSeconds: stat.Mean(durations, nil),
		MedianDurationSeconds:  float64(median(seconds)),
		StopCount:              len(members),
		MemberStopIDs:          ids,
		LastUpdated:            now,
	}
}

// median works in whole seconds; for an even count the two middle values
// are averaged and truncated.
func median(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func sortStops(stops []ride.StopEvent) {
	sort.SliceStable(stops, func(i, j int) bool {
		if !stops[i].Timestamp.Equal(stops[j].Timestamp) {
			return stops[i].Timestamp.Before(stops[j].Timestamp)
		}
		return stops[i].ID < stops[j].ID
	})
}
