package middleware

import (
	"context"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/shared"

	"github.com/labstack/echo/v4"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*shared.UserMetadata, error)
}

type UserMiddleware struct {
	users Authenticator
}

func NewUserMiddleware(users Authenticator) *UserMiddleware {
	return &UserMiddleware{users: users}
}

// ExtractUser resolves the bearer token if one is present. Requests without a
// valid token continue anonymously, RequireUser decides whether that is ok.
func (u *UserMiddleware) ExtractUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.User = nil

		token, err := shared.ExtractBearerToken(c)
		if err != nil {
			return next(c)
		}
		user, err := u.users.Authenticate(c.Request().Context(), token)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		c.User = user
		c.Log = c.Log.With("user_id", user.UserID)
		c.LogValues.UserID = user.UserID
		c.LogValues.Role = user.Role
		return next(c)
	}
}

func (u *UserMiddleware) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return authError(c, shared.ErrUnauthorized)
		}
		return next(c)
	}
}

func (u *UserMiddleware) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return authError(c, shared.ErrUnauthorized)
		}
		if !c.User.IsAdmin() {
			return authError(c, shared.ErrForbidden)
		}
		return next(c)
	}
}

func authError(c *ctx.Context, rerr *shared.RequestError) error {
	return c.JSON(rerr.StatusCode, shared.APIError{
		Message: rerr.Message(),
		Object:  "error",
		Type:    "AuthenticationError",
		Code:    rerr.StatusCode,
	})
}
