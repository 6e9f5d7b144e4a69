package cluster

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/vlebourl/redlights/internal/shared/geo"
	"github.com/vlebourl/redlights/internal/shared/httpx"
)

func RegisterRoutes(r fiber.Router, e *Engine, authMiddleware fiber.Handler) {
	r.Get("/", func(c *fiber.Ctx) error {
		limit, err := httpx.QueryInt(c, "limit", 100)
		if err != nil {
			return err
		}
		offset, err := httpx.QueryInt(c, "offset", 0)
		if err != nil {
			return err
		}
		clusters, err := e.List(c.UserContext(), limit, offset)
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(clusters)
	})

	r.Get("/nearby", func(c *fiber.Ctx) error {
		lat, err := httpx.QueryFloat(c, "lat")
		if err != nil {
			return err
		}
		lng, err := httpx.QueryFloat(c, "lng")
		if err != nil {
			return err
		}
		radius := e.RadiusM() * 10
		if raw := c.Query("radius_m"); raw != "" {
			radius, err = strconv.ParseFloat(raw, 64)
			if err != nil || radius <= 0 {
				return fiber.NewError(fiber.StatusBadRequest, "radius_m must be a positive number")
			}
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return fiber.NewError(fiber.StatusBadRequest, "lat/lng out of range")
		}
		clusters, err := e.Nearby(c.UserContext(), geo.Point{Lat: lat, Lng: lng}, radius)
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(clusters)
	})

	r.Post("/rebuild", authMiddleware, func(c *fiber.Ctx) error {
		n, err := e.RebuildAll(c.UserContext())
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(fiber.Map{"clusters": n})
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid cluster id")
		}
		cl, err := e.Get(c.UserContext(), id)
		if err != nil {
			return httpx.Error(err)
		}
		return c.JSON(cl)
	})
}
