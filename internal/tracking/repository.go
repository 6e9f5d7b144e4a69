package tracking

import (
	"context"

	"github.com/vlebourl/redlights/internal/ride"
)

// Repository is the persistence the pipeline needs. Implementations must
// cascade waypoints and stops with their session and allow at most one
// session without an end time.
type Repository interface {
	CreateSession(ctx context.Context, s ride.Session) (ride.Session, error)
	GetSession(ctx context.Context, id string) (ride.Session, error)
	ActiveSession(ctx context.Context) (*ride.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]ride.Session, error)
	// RecordFix persists w atomically and returns it with ids assigned.
	RecordFix(ctx context.Context, w ride.FixWrite) (ride.FixWrite, error)
	FinalizeSession(ctx context.Context, s ride.Session) error
	DeleteSession(ctx context.Context, id string) error
	UnfinishedSessionIDs(ctx context.Context) ([]string, error)
	DiscardUnfinished(ctx context.Context) (int64, error)
	Waypoints(ctx context.Context, sessionID string) ([]ride.Waypoint, error)
	Stops(ctx context.Context, sessionID string) ([]ride.StopEvent, error)
	ClusterIDsForSession(ctx context.Context, sessionID string) ([]int64, error)
}

// ClusterMaintainer receives finished sessions and repairs clusters whose
// member stops were deleted.
type ClusterMaintainer interface {
	ScheduleSession(ctx context.Context, sessionID string) error
	Recalculate(ctx context.Context, clusterID int64) error
}

// Publisher fans pipeline output out to live listeners.
type Publisher interface {
	Publish(sessionID, kind string, data any)
}
