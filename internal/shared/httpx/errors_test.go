package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/vlebourl/redlights/internal/ride"
)

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&ride.ValidationError{Field: "latitude", Value: 91.0, Reason: "out of range"}, fiber.StatusBadRequest},
		{fmt.Errorf("get: %w", ride.ErrNotFound), fiber.StatusNotFound},
		{ride.ErrActiveSessionExists, fiber.StatusConflict},
		{ride.ErrSessionNotActive, fiber.StatusConflict},
		{&ride.StorageError{Op: "record fix", Err: errors.New("disk")}, fiber.StatusInternalServerError},
		{&ride.InvariantError{What: "x"}, fiber.StatusInternalServerError},
		{fiber.NewError(fiber.StatusTeapot, "tea"), fiber.StatusTeapot},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		if assert.True(t, errors.As(Error(tc.err), &fe), "%v", tc.err) {
			assert.Equal(t, tc.want, fe.Code, "%v", tc.err)
		}
	}
	assert.NoError(t, Error(nil))
}

func TestQueryHelpers(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		limit, err := QueryInt(c, "limit", 50)
		if err != nil {
			return err
		}
		lat, err := QueryFloat(c, "lat")
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"limit": limit, "lat": lat})
	})

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/?lat=45.5", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/?lat=45.5&limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
