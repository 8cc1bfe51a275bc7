package routers

import (
	"context"
	"net/http"

	"xmodel-api/internal/credentials"
	"xmodel-api/internal/ctx"
	"xmodel-api/internal/metrics"
	"xmodel-api/internal/middleware"

	"github.com/labstack/echo/v4"
)

type KeyManager interface {
	Create(ctx context.Context, owner uint64, name string) (*credentials.Created, error)
	List(ctx context.Context, owner uint64) ([]credentials.Credential, error)
	Delete(ctx context.Context, owner, id uint64) (string, error)
}

// IdentityCache drops the cached identity of a deleted key
type IdentityCache interface {
	Forget(ctx context.Context, keyHash string) error
}

type CredentialsRouter struct {
	keys  KeyManager
	cache IdentityCache
}

func RegisterCredentialRoutes(e *echo.Group, keys KeyManager, cache IdentityCache, umw *middleware.UserMiddleware) {
	cr := CredentialsRouter{keys: keys, cache: cache}

	requireUser := e.Group("/v1/keys", umw.ExtractUser, umw.RequireUser)
	requireUser.GET("", cr.ListKeys)
	requireUser.POST("", cr.CreateKey)
	requireUser.DELETE("/:id", cr.DeleteKey)
}

type CreateKeyRequest struct {
	Name string `json:"name"`
}

type KeyList struct {
	Data []credentials.Credential `json:"data"`
}

func (cr *CredentialsRouter) ListKeys(cc echo.Context) error {
	c := cc.(*ctx.Context)
	ctx, cancel := lookupContext(c)
	defer cancel()

	keys, err := cr.keys.List(ctx, c.User.UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, KeyList{Data: keys})
}

func (cr *CredentialsRouter) CreateKey(cc echo.Context) error {
	c := cc.(*ctx.Context)
	var req CreateKeyRequest
	if err := bindJSON(c, &req); err != nil {
		return errorResponse(c, err)
	}

	created, err := cr.keys.Create(c.Request().Context(), c.User.UserID, req.Name)
	if err != nil {
		return errorResponse(c, err)
	}
	metrics.CredentialsCreated.WithLabelValues("user").Inc()
	c.Log.Infow("Created api key", "key_id", created.ID, "display_key", created.DisplayKey)
	return c.JSON(http.StatusCreated, created)
}

func (cr *CredentialsRouter) DeleteKey(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	hash, err := cr.keys.Delete(c.Request().Context(), c.User.UserID, id)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := cr.cache.Forget(c.Request().Context(), hash); err != nil {
		// the cached identity still expires with its ttl
		c.Log.Warnw("Failed to forget cached api key", "error", err, "key_id", id)
	}
	return c.NoContent(http.StatusNoContent)
}
