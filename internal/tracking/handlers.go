package tracking

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/shared/httpx"
)

func RegisterRoutes(r fiber.Router, p *Pipeline, authMiddleware fiber.Handler) {
	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := p.StartSession(c.UserContext())
		if err != nil {
			return httpx.Error(err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	r.Get("/sessions", func(c *fiber.Ctx) error {
		limit, err := httpx.QueryInt(c, "limit", 50)
		if err != nil {
			return err
		}
		offset, err := httpx.QueryInt(c, "offset", 0)
		if err != nil {
			return err
		}
		sessions, err := p.ListSessions(c.UserContext(), limit, offset)
		if err != nil {
			return httpx.Error(err)
		}
		if sessions == nil {
			sessions = []ride.Session{}
		}
		return c.JSON(sessions)
	})

	r.Get("/sessions/active", func(c *fiber.Ctx) error {
		sess, err := p.ActiveSession(c.UserContext())
		if err != nil {
			return httpx.Error(err)
		}
		if sess == nil {
			return fiber.NewError(fiber.StatusNotFound, "no active session")
		}
		state, err := p.DetectorState(sess.ID)
		if err != nil {
			return c.JSON(fiber.Map{"session": sess})
		}
		return c.JSON(fiber.Map{"session": sess, "state": state.String()})
	})

	r.Get("/sessions/:id", func(c *fiber.Ctx) error {
		sess, err := p.GetSession(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(sess)
	})

	r.Delete("/sessions/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := p.DeleteSession(c.UserContext(), c.Params("id")); err != nil {
			return httpx.Error(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/sessions/:id/fixes", authMiddleware, func(c *fiber.Ctx) error {
		var fix ride.Fix
		if err := c.BodyParser(&fix); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		out, err := p.HandleFix(c.UserContext(), c.Params("id"), fix)
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(out)
	})

	r.Post("/sessions/:id/end", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := p.EndSession(c.UserContext(), c.Params("id"))
		if err != nil && sess.ID == "" {
			return httpx.Error(err)
		}
		if err != nil {
			// Finalized; only the clustering hand-off failed.
			log.Warn().Err(err).Str("session", sess.ID).Msg("session ended without clustering")
		}
		return c.JSON(sess)
	})

	r.Post("/sessions/:id/resume", authMiddleware, func(c *fiber.Ctx) error {
		if err := p.Resume(c.Params("id")); err != nil {
			return httpx.Error(err)
		}
		state, err := p.DetectorState(c.Params("id"))
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(fiber.Map{"session_id": c.Params("id"), "state": state.String()})
	})

	r.Get("/sessions/:id/waypoints", func(c *fiber.Ctx) error {
		wps, err := p.Waypoints(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpx.Error(err)
		}
		if wps == nil {
			wps = []ride.Waypoint{}
		}
		return c.JSON(wps)
	})

	r.Get("/sessions/:id/stops", func(c *fiber.Ctx) error {
		stops, err := p.Stops(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpx.Error(err)
		}
		if stops == nil {
			stops = []ride.StopEvent{}
		}
		return c.JSON(stops)
	})
}
