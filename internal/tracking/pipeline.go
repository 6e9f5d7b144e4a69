package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/metrics"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/geo"
)

type Params struct {
	MaxAccuracyM float64
	Detector     DetectorParams
	Sampler      SamplerParams
}

func DefaultParams() Params {
	return Params{
		MaxAccuracyM: DefaultMaxAccuracyM,
		Detector:     DefaultDetectorParams(),
		Sampler:      DefaultSamplerParams(),
	}
}

// Outcome describes what a single fix produced.
type Outcome struct {
	Accepted bool            `json:"accepted"`
	State    string          `json:"state"`
	Waypoint *ride.Waypoint  `json:"waypoint,omitempty"`
	Stop     *ride.StopEvent `json:"stop,omitempty"`
}

// activeSession is the in-memory state owned by the single session being
// recorded. Only the pipeline mutates it, under Pipeline.mu.
type activeSession struct {
	session    ride.Session
	detector   Detector
	sampler    Sampler
	firstFixAt time.Time
	last       *ride.Fix
	suspended  error
}

// Pipeline turns a stream of fixes into waypoints and stop events for one
// active session at a time, and hands finished sessions to clustering.
type Pipeline struct {
	repo     Repository
	clusters ClusterMaintainer
	pub      Publisher
	metrics  *metrics.Metrics
	params   Params
	now      func() time.Time

	mu        sync.Mutex
	active    *activeSession
	recovered bool
}

type Option func(*Pipeline)

func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.pub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(repo Repository, clusters ClusterMaintainer, params Params, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:     repo,
		clusters: clusters,
		params:   params,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Recover discards every session left unfinished by an earlier crash. Call it
// once at process start, before any session begins; it runs at most once
// successfully.
func (p *Pipeline) Recover(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoverLocked(ctx)
}

func (p *Pipeline) recoverLocked(ctx context.Context) (int64, error) {
	if p.recovered {
		return 0, nil
	}

	ids, err := p.repo.UnfinishedSessionIDs(ctx)
	if err != nil {
		return 0, ride.Storage("list unfinished sessions", err)
	}
	var affected []int64
	for _, id := range ids {
		clusterIDs, err := p.repo.ClusterIDsForSession(ctx, id)
		if err != nil {
			return 0, ride.Storage("list session clusters", err)
		}
		affected = append(affected, clusterIDs...)
	}

	n, err := p.repo.DiscardUnfinished(ctx)
	if err != nil {
		return 0, ride.Storage("discard unfinished sessions", err)
	}
	if err := p.recalculate(ctx, affected); err != nil {
		return n, err
	}

	p.recovered = true
	if n > 0 {
		log.Warn().Int64("sessions", n).Msg("discarded unfinished ride sessions")
	}
	return n, nil
}

// StartSession opens a new session. It fails with ride.ErrActiveSessionExists
// while another session is active, including one recorded by another process
// sharing the store. It never discards unfinished sessions; that is Recover's
// job at process start.
func (p *Pipeline) StartSession(ctx context.Context) (ride.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return ride.Session{}, ride.ErrActiveSessionExists
	}
	existing, err := p.repo.ActiveSession(ctx)
	if err != nil {
		return ride.Session{}, ride.Storage("active session", err)
	}
	if existing != nil {
		return ride.Session{}, ride.ErrActiveSessionExists
	}

	created, err := p.repo.CreateSession(ctx, ride.Session{
		ID:        uuid.NewString(),
		StartTime: p.now(),
	})
	if err != nil {
		return ride.Session{}, ride.Storage("create session", err)
	}

	p.active = &activeSession{
		session:  created,
		detector: NewDetector(created.ID, p.params.Detector),
		sampler:  NewSampler(p.params.Sampler),
	}
	p.metrics.SetActive(true)
	log.Info().Str("session", created.ID).Msg("ride session started")
	return created, nil
}

// ActiveSession returns the session being recorded, or nil. A session opened
// by another process sharing the store is reported too, though this pipeline
// cannot feed it.
func (p *Pipeline) ActiveSession(ctx context.Context) (*ride.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		s := p.active.session
		return &s, nil
	}
	s, err := p.repo.ActiveSession(ctx)
	if err != nil {
		return nil, ride.Storage("active session", err)
	}
	return s, nil
}

// HandleFix runs one fix through the accuracy gate, the stop detector and
// the sampler, then persists the result in one write. If the write fails the
// in-memory session state is left exactly as it was.
func (p *Pipeline) HandleFix(ctx context.Context, sessionID string, fix ride.Fix) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.activeFor(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if a.suspended != nil {
		return Outcome{}, fmt.Errorf("intake suspended: %w", ride.ErrSessionNotActive)
	}
	if err := fix.Validate(); err != nil {
		p.metrics.Fix("invalid")
		return Outcome{}, err
	}
	if !Accept(fix, p.params.MaxAccuracyM) {
		p.metrics.Fix("rejected")
		return Outcome{Accepted: false, State: a.detector.State().String()}, nil
	}

	detector, stop := a.detector.Step(fix)
	store := a.sampler.ShouldStore(fix, detector.Stopped())

	write := ride.FixWrite{Session: p.nextTotals(a, fix, stop)}
	if store {
		wp, err := ride.NewWaypoint(sessionID, fix)
		if err != nil {
			return Outcome{}, err
		}
		write.Waypoint = &wp
	}
	write.Stop = stop

	saved, err := p.repo.RecordFix(ctx, write)
	if err != nil {
		p.metrics.WriteError("record_fix")
		return Outcome{}, ride.Storage("record fix", err)
	}

	a.detector = detector
	if store {
		a.sampler = a.sampler.Stored(fix)
	}
	if a.firstFixAt.IsZero() {
		a.firstFixAt = fix.Timestamp
	}
	f := fix
	a.last = &f
	a.session = saved.Session
	p.metrics.Fix("accepted")

	out := Outcome{Accepted: true, State: detector.State().String(), Waypoint: saved.Waypoint, Stop: saved.Stop}
	if out.Waypoint != nil {
		p.metrics.Waypoint()
		p.publish(sessionID, "waypoint", out.Waypoint)
	}
	if out.Stop != nil {
		p.metrics.Stop(out.Stop.DurationSeconds)
		p.publish(sessionID, "stop", out.Stop)
		log.Info().Str("session", sessionID).Int("seq", out.Stop.SequenceNumber).
			Int("duration_s", out.Stop.DurationSeconds).Msg("stop confirmed")
	}
	return out, nil
}

// nextTotals returns the session with its running metrics advanced by fix.
func (p *Pipeline) nextTotals(a *activeSession, fix ride.Fix, stop *ride.StopEvent) ride.Session {
	s := a.session
	if a.last != nil {
		s.TotalDistanceKm += geo.HaversineKm(a.last.Latitude, a.last.Longitude, fix.Latitude, fix.Longitude)
	}
	if fix.SpeedKmh > s.MaxSpeedKmh {
		s.MaxSpeedKmh = fix.SpeedKmh
	}
	first := a.firstFixAt
	if first.IsZero() {
		first = fix.Timestamp
	}
	if hours := fix.Timestamp.Sub(first).Hours(); hours > 0 {
		s.AverageSpeedKmh = s.TotalDistanceKm / hours
	}
	if stop != nil {
		s.StopCount++
		s.TotalStopSeconds += int64(stop.DurationSeconds)
	}
	return s
}

// EndSession finalizes the active session and schedules clustering of its
// stops. Intake for the session stops immediately.
func (p *Pipeline) EndSession(ctx context.Context, sessionID string) (ride.Session, error) {
	p.mu.Lock()
	a, err := p.activeFor(sessionID)
	if err != nil {
		p.mu.Unlock()
		return ride.Session{}, err
	}

	s := a.session
	end := p.now()
	s.EndTime = &end
	if err := p.repo.FinalizeSession(ctx, s); err != nil {
		p.mu.Unlock()
		p.metrics.WriteError("finalize_session")
		return ride.Session{}, ride.Storage("finalize session", err)
	}
	p.active = nil
	p.metrics.SetActive(false)
	p.mu.Unlock()

	log.Info().Str("session", s.ID).Int("stops", s.StopCount).
		Float64("distance_km", s.TotalDistanceKm).Msg("ride session ended")
	p.publish(s.ID, "session_end", s)

	if p.clusters != nil {
		if err := p.clusters.ScheduleSession(ctx, s.ID); err != nil {
			return s, fmt.Errorf("schedule clustering: %w", err)
		}
	}
	return s, nil
}

// Suspend stops intake for the active session after the fix source reported
// a service failure. The session stays unfinalized.
func (p *Pipeline) Suspend(sessionID string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil || p.active.session.ID != sessionID {
		return
	}
	if cause == nil {
		cause = &ride.ServiceError{Reason: "suspended"}
	}
	p.active.suspended = cause
	log.Warn().Str("session", sessionID).Err(cause).Msg("fix intake suspended")
}

// Resume re-opens intake after Suspend.
func (p *Pipeline) Resume(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.activeFor(sessionID)
	if err != nil {
		return err
	}
	if a.suspended != nil {
		a.suspended = nil
		log.Info().Str("session", sessionID).Msg("fix intake resumed")
	}
	return nil
}

// DeleteSession removes a session with its waypoints and stops, then
// recomputes every cluster that referenced one of those stops.
func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clusterIDs, err := p.repo.ClusterIDsForSession(ctx, sessionID)
	if err != nil {
		return ride.Storage("list session clusters", err)
	}
	if err := p.repo.DeleteSession(ctx, sessionID); err != nil {
		return ride.Storage("delete session", err)
	}
	if p.active != nil && p.active.session.ID == sessionID {
		p.active = nil
		p.metrics.SetActive(false)
	}
	return p.recalculate(ctx, clusterIDs)
}

func (p *Pipeline) recalculate(ctx context.Context, clusterIDs []int64) error {
	if p.clusters == nil {
		return nil
	}
	seen := map[int64]struct{}{}
	for _, id := range clusterIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if err := p.clusters.Recalculate(ctx, id); err != nil && !errors.Is(err, ride.ErrNotFound) {
			return fmt.Errorf("recalculate cluster %d: %w", id, err)
		}
	}
	return nil
}

func (p *Pipeline) GetSession(ctx context.Context, id string) (ride.Session, error) {
	s, err := p.repo.GetSession(ctx, id)
	return s, ride.Storage("get session", err)
}

func (p *Pipeline) ListSessions(ctx context.Context, limit, offset int) ([]ride.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	sessions, err := p.repo.ListSessions(ctx, limit, offset)
	return sessions, ride.Storage("list sessions", err)
}

func (p *Pipeline) Waypoints(ctx context.Context, sessionID string) ([]ride.Waypoint, error) {
	wps, err := p.repo.Waypoints(ctx, sessionID)
	return wps, ride.Storage("list waypoints", err)
}

func (p *Pipeline) Stops(ctx context.Context, sessionID string) ([]ride.StopEvent, error) {
	stops, err := p.repo.Stops(ctx, sessionID)
	return stops, ride.Storage("list stops", err)
}

// DetectorState reports the stop detector state of the active session.
func (p *Pipeline) DetectorState(sessionID string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.activeFor(sessionID)
	if err != nil {
		return Moving, err
	}
	return a.detector.State(), nil
}

func (p *Pipeline) activeFor(sessionID string) (*activeSession, error) {
	if p.active == nil || p.active.session.ID != sessionID {
		return nil, ride.ErrSessionNotActive
	}
	return p.active, nil
}

func (p *Pipeline) publish(sessionID, kind string, data any) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(sessionID, kind, data)
}
