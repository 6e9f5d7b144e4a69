// Package httpx maps domain errors onto fiber HTTP errors.
package httpx

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/ride"
)

// Error converts err into a *fiber.Error with the matching status.
func Error(err error) error {
	var (
		ve *ride.ValidationError
		se *ride.StorageError
		ie *ride.InvariantError
		fe *fiber.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fe):
		return fe
	case errors.As(err, &ve):
		return fiber.NewError(fiber.StatusBadRequest, ve.Error())
	case errors.Is(err, ride.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrActiveSessionExists), errors.Is(err, ride.ErrSessionNotActive):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.As(err, &ie):
		log.Error().Err(err).Msg("invariant violated")
		return fiber.NewError(fiber.StatusInternalServerError, "internal state inconsistent")
	case errors.As(err, &se):
		log.Error().Err(err).Str("op", se.Op).Msg("storage failure")
		return fiber.NewError(fiber.StatusInternalServerError, "storage failure")
	default:
		log.Error().Err(err).Msg("request failed")
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

// QueryInt reads an integer query parameter, falling back to def when absent
// and failing with 400 when malformed.
func QueryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" must be an integer")
	}
	return v, nil
}

// QueryFloat reads a required float query parameter.
func QueryFloat(c *fiber.Ctx, key string) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" must be a number")
	}
	return v, nil
}
