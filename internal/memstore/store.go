// Package memstore keeps sessions, waypoints, stops and clusters in memory.
// It satisfies both tracking.Repository and cluster.Store and backs the API
// when no Postgres URL is configured.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

type Store struct {
	mu sync.Mutex

	sessions  map[string]ride.Session
	waypoints map[string][]ride.Waypoint
	stops     map[int64]ride.StopEvent
	clusters  map[int64]ride.Cluster

	nextWaypoint int64
	nextStop     int64
	nextCluster  int64

	// FailNext, when set, is returned by the next mutating call and cleared.
	FailNext error
}

func New() *Store {
	return &Store{
		sessions:  map[string]ride.Session{},
		waypoints: map[string][]ride.Waypoint{},
		stops:     map[int64]ride.StopEvent{},
		clusters:  map[int64]ride.Cluster{},
	}
}

func (s *Store) fail() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *Store) CreateSession(_ context.Context, sess ride.Session) (ride.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return ride.Session{}, err
	}
	if sess.Active() {
		for _, existing := range s.sessions {
			if existing.Active() {
				return ride.Session{}, ride.ErrActiveSessionExists
			}
		}
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// PutSession stores sess as-is, bypassing the single-active check. It exists
// to stage crash leftovers.
func (s *Store) PutSession(sess ride.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Store) GetSession(_ context.Context, id string) (ride.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ride.Session{}, ride.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ActiveSession(_ context.Context) (*ride.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *ride.Session
	for _, sess := range s.sessions {
		if !sess.Active() {
			continue
		}
		if found != nil {
			return nil, &ride.InvariantError{What: "more than one active session"}
		}
		cp := sess
		found = &cp
	}
	return found, nil
}

func (s *Store) ListSessions(_ context.Context, limit, offset int) ([]ride.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]ride.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].StartTime.Before(all[j].StartTime)
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *Store) RecordFix(_ context.Context, w ride.FixWrite) (ride.FixWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return ride.FixWrite{}, err
	}
	current, ok := s.sessions[w.Session.ID]
	if !ok || !current.Active() {
		return ride.FixWrite{}, ride.ErrSessionNotActive
	}

	if w.Stop != nil {
		for _, existing := range s.stops {
			if existing.SessionID == w.Stop.SessionID && existing.SequenceNumber == w.Stop.SequenceNumber {
				return ride.FixWrite{}, &ride.InvariantError{What: "duplicate stop sequence number"}
			}
		}
	}

	if w.Waypoint != nil {
		wp := *w.Waypoint
		s.nextWaypoint++
		wp.ID = s.nextWaypoint
		s.waypoints[wp.SessionID] = append(s.waypoints[wp.SessionID], wp)
		w.Waypoint = &wp
	}
	if w.Stop != nil {
		st := *w.Stop
		s.nextStop++
		st.ID = s.nextStop
		s.stops[st.ID] = st
		w.Stop = &st
	}

	updated := w.Session
	updated.EndTime = nil
	s.sessions[updated.ID] = updated
	return w, nil
}

func (s *Store) FinalizeSession(_ context.Context, sess ride.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return err
	}
	current, ok := s.sessions[sess.ID]
	if !ok || !current.Active() {
		return ride.ErrSessionNotActive
	}
	if sess.EndTime == nil {
		return &ride.ValidationError{Field: "end_time", Value: nil, Reason: "required to finalize"}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.sessions[id]; !ok {
		return ride.ErrNotFound
	}
	s.deleteSessionLocked(id)
	return nil
}

func (s *Store) deleteSessionLocked(id string) {
	delete(s.sessions, id)
	delete(s.waypoints, id)
	for stopID, st := range s.stops {
		if st.SessionID == id {
			delete(s.stops, stopID)
		}
	}
}

func (s *Store) UnfinishedSessionIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sess := range s.sessions {
		if sess.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DiscardUnfinished(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return 0, err
	}
	var n int64
	for id, sess := range s.sessions {
		if sess.Active() {
			s.deleteSessionLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Waypoints(_ context.Context, sessionID string) ([]ride.Waypoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ride.Waypoint, len(s.waypoints[sessionID]))
	copy(out, s.waypoints[sessionID])
	return out, nil
}

func (s *Store) Stops(_ context.Context, sessionID string) ([]ride.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterStops(func(st ride.StopEvent) bool { return st.SessionID == sessionID })
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *Store) ClusterIDsForSession(_ context.Context, sessionID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[int64]struct{}{}
	var ids []int64
	for _, st := range s.stops {
		if st.SessionID != sessionID || st.ClusterID == nil {
			continue
		}
		if _, ok := seen[*st.ClusterID]; !ok {
			seen[*st.ClusterID] = struct{}{}
			ids = append(ids, *st.ClusterID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ClusterCandidates(_ context.Context, box geo.Box) ([]ride.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ride.Cluster
	for _, c := range s.clusters {
		if box.Contains(c.Centroid()) {
			out = append(out, s.withMembers(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCluster(_ context.Context, id int64) (ride.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clusters[id]
	if !ok {
		return ride.Cluster{}, ride.ErrNotFound
	}
	return s.withMembers(c), nil
}

func (s *Store) ClusterMembers(_ context.Context, id int64) ([]ride.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterStops(func(st ride.StopEvent) bool { return st.ClusterID != nil && *st.ClusterID == id })
	sortByStart(out)
	return out, nil
}

func (s *Store) CreateCluster(_ context.Context, c ride.Cluster, stopID int64) (ride.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return ride.Cluster{}, err
	}
	if _, ok := s.stops[stopID]; !ok {
		return ride.Cluster{}, ride.ErrNotFound
	}
	s.nextCluster++
	c.ID = s.nextCluster
	s.clusters[c.ID] = c
	s.setStopCluster(stopID, &c.ID)
	return c, nil
}

func (s *Store) AttachStop(_ context.Context, c ride.Cluster, stopID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.clusters[c.ID]; !ok {
		return ride.ErrNotFound
	}
	if _, ok := s.stops[stopID]; !ok {
		return ride.ErrNotFound
	}
	s.setStopCluster(stopID, &c.ID)
	s.clusters[c.ID] = c
	return nil
}

func (s *Store) UpdateCluster(_ context.Context, c ride.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.clusters[c.ID]; !ok {
		return ride.ErrNotFound
	}
	s.clusters[c.ID] = c
	return nil
}

func (s *Store) DeleteCluster(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.clusters[id]; !ok {
		return ride.ErrNotFound
	}
	for stopID, st := range s.stops {
		if st.ClusterID != nil && *st.ClusterID == id {
			s.setStopCluster(stopID, nil)
		}
	}
	delete(s.clusters, id)
	return nil
}

func (s *Store) StopsForSession(_ context.Context, sessionID string) ([]ride.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterStops(func(st ride.StopEvent) bool { return st.SessionID == sessionID })
	sortByStart(out)
	return out, nil
}

func (s *Store) AllStops(_ context.Context) ([]ride.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterStops(func(ride.StopEvent) bool { return true })
	sortByStart(out)
	return out, nil
}

func (s *Store) UnclusteredStops(_ context.Context) ([]ride.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterStops(func(st ride.StopEvent) bool {
		sess, ok := s.sessions[st.SessionID]
		return st.ClusterID == nil && ok && !sess.Active()
	})
	sortByStart(out)
	return out, nil
}

func (s *Store) ReplaceClusters(_ context.Context, clusters []ride.Cluster) ([]ride.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return nil, err
	}
	for _, c := range clusters {
		for _, id := range c.MemberStopIDs {
			if _, ok := s.stops[id]; !ok {
				return nil, ride.ErrNotFound
			}
		}
	}

	for id := range s.stops {
		s.setStopCluster(id, nil)
	}
	s.clusters = map[int64]ride.Cluster{}
	out := make([]ride.Cluster, len(clusters))
	for i, c := range clusters {
		s.nextCluster++
		c.ID = s.nextCluster
		c.MemberStopIDs = append([]int64(nil), c.MemberStopIDs...)
		s.clusters[c.ID] = c
		for _, stopID := range c.MemberStopIDs {
			s.setStopCluster(stopID, &c.ID)
		}
		out[i] = c
	}
	return out, nil
}

func (s *Store) ListClusters(_ context.Context, limit, offset int) ([]ride.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]ride.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		all = append(all, s.withMembers(c))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StopCount != all[j].StopCount {
			return all[i].StopCount > all[j].StopCount
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// withMembers fills MemberStopIDs from the stop references, leaving
// StopCount as stored so count drift stays detectable.
func (s *Store) withMembers(c ride.Cluster) ride.Cluster {
	var ids []int64
	for id, st := range s.stops {
		if st.ClusterID != nil && *st.ClusterID == c.ID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	c.MemberStopIDs = ids
	return c
}

func (s *Store) setStopCluster(stopID int64, clusterID *int64) {
	st := s.stops[stopID]
	if clusterID == nil {
		st.ClusterID = nil
	} else {
		id := *clusterID
		st.ClusterID = &id
	}
	s.stops[stopID] = st
}

func (s *Store) filterStops(keep func(ride.StopEvent) bool) []ride.StopEvent {
	var out []ride.StopEvent
	for _, st := range s.stops {
		if keep(st) {
			out = append(out, st)
		}
	}
	return out
}

func sortByStart(stops []ride.StopEvent) {
	sort.Slice(stops, func(i, j int) bool {
		if !stops[i].Timestamp.Equal(stops[j].Timestamp) {
			return stops[i].Timestamp.Before(stops[j].Timestamp)
		}
		return stops[i].ID < stops[j].ID
	})
}
