package fixsource

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/tracking"
)

// Handler is the part of tracking.Pipeline a pump drives.
type Handler interface {
	HandleFix(ctx context.Context, sessionID string, fix ride.Fix) (tracking.Outcome, error)
	Suspend(sessionID string, cause error)
}

// Pump forwards fixes from src to sessionID one at a time, in order. It
// returns nil when the source is exhausted, ctx.Err() on cancellation, and
// the service error after suspending the session when the source fails.
// Invalid fixes and failed writes drop that fix and keep going.
func Pump(ctx context.Context, src Source, h Handler, sessionID string) error {
	fixes, errs := src.Fixes(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return suspend(h, sessionID, err)
		case f, ok := <-fixes:
			if !ok {
				select {
				case err := <-errs:
					return suspend(h, sessionID, err)
				default:
					return nil
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := forward(ctx, h, sessionID, f); err != nil {
				return err
			}
		}
	}
}

// ActiveResolver reports the session currently being recorded and can lift
// a suspension once the source delivers again.
type ActiveResolver interface {
	Handler
	ActiveSession(ctx context.Context) (*ride.Session, error)
	Resume(sessionID string) error
}

// Follow feeds every fix from src to whichever session is active when it
// arrives, dropping fixes while none is. The first fix delivered resumes a
// session an earlier source failure suspended. It runs until ctx ends or the
// source fails.
func Follow(ctx context.Context, src Source, h ActiveResolver) error {
	fixes, errs := src.Fixes(ctx)
	resumed := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			active, _ := h.ActiveSession(ctx)
			if active != nil {
				return suspend(h, active.ID, err)
			}
			return err
		case f, ok := <-fixes:
			if !ok {
				return nil
			}
			active, err := h.ActiveSession(ctx)
			if err != nil {
				log.Error().Err(err).Msg("resolve active session")
				continue
			}
			if active == nil {
				continue
			}
			if !resumed[active.ID] {
				if err := h.Resume(active.ID); err == nil {
					resumed[active.ID] = true
				}
			}
			if err := forward(ctx, h, active.ID, f); err != nil && !errors.Is(err, ride.ErrSessionNotActive) {
				return err
			}
		}
	}
}

func forward(ctx context.Context, h Handler, sessionID string, f ride.Fix) error {
	_, err := h.HandleFix(ctx, sessionID, f)
	var (
		ve *ride.ValidationError
		se *ride.StorageError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		log.Warn().Err(err).Str("session", sessionID).Msg("dropping invalid fix")
		return nil
	case errors.As(err, &se):
		log.Error().Err(err).Str("session", sessionID).Msg("dropping fix after storage failure")
		return nil
	default:
		return err
	}
}

func suspend(h Handler, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var svc *ride.ServiceError
	if !errors.As(err, &svc) {
		svc = &ride.ServiceError{Reason: "fix source failed", Err: err}
	}
	h.Suspend(sessionID, svc)
	return svc
}
