package middlewares

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const UserIDKey = "userID"

// RequireAuth authenticates requests with a bearer token issued by the
// session layer: HS256, subject carrying the user ID. The parsed user ID is
// stored in ctx locals under UserIDKey.
func RequireAuth(signingKey string) fiber.Handler {
	key := []byte(signingKey)
	return func(ctx *fiber.Ctx) error {
		header := ctx.Get(fiber.HeaderAuthorization)
		rawToken, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing bearer token")
		}

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid bearer token")
		}

		userID, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid bearer token")
		}
		ctx.Locals(UserIDKey, uint(userID))
		return ctx.Next()
	}
}

// AuthUserID returns the user ID stored by RequireAuth.
func AuthUserID(ctx *fiber.Ctx) uint {
	userID, _ := ctx.Locals(UserIDKey).(uint)
	return userID
}

// RequireInternalAPIKey guards service-to-service endpoints consumed by the
// session layer. An empty configured key rejects every request rather than
// accepting a missing header.
func RequireInternalAPIKey(apiKey string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		provided := ctx.Get("X-Internal-Key")
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid internal API key")
		}
		return ctx.Next()
	}
}
