package auth

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts token introspection and renewal. Tokens are minted
// offline with `ridectl token`; a holder of a valid token may renew it.
func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Get("/jwt/verify", func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		riderID, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		return c.JSON(fiber.Map{"rider_id": riderID})
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		riderID, err := svc.ValidateAccessToken(bearerFromHeader(c.Get("Authorization")))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "valid bearer token required")
		}

		resp, err := svc.IssueToken(riderID, AccessTokenTTL)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(resp)
	})
}
