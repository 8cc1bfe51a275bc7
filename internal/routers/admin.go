package routers

import (
	"context"
	"net/http"
	"strconv"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/database"
	"xmodel-api/internal/inference"
	"xmodel-api/internal/middleware"
	"xmodel-api/internal/shared"

	"github.com/labstack/echo/v4"
)

type ModelAdmin interface {
	UpdateModel(ctx context.Context, id uint64, update inference.ModelUpdate) error
	DisableModel(ctx context.Context, id uint64) error
}

type CreditSetter interface {
	Set(ctx context.Context, userID, credits uint64) error
}

type AdminRouter struct {
	models      ModelAdmin
	credits     CreditSetter
	predictions Predictions
}

func RegisterAdminRoutes(e *echo.Group, models ModelAdmin, credits CreditSetter, predictions Predictions, umw *middleware.UserMiddleware) {
	ar := AdminRouter{models: models, credits: credits, predictions: predictions}

	requireAdmin := e.Group("/admin", umw.ExtractUser, umw.RequireAdmin)
	requireAdmin.GET("/predictions", ar.ListPredictions)
	requireAdmin.POST("/predictions/:id/example", ar.ToggleExample)
	requireAdmin.PATCH("/models/:id", ar.UpdateModel)
	requireAdmin.DELETE("/models/:id", ar.DeleteModel)
	requireAdmin.PATCH("/users/:id/credits", ar.SetCredits)
}

type PredictionPage struct {
	Data     []database.Prediction `json:"data"`
	Total    uint64                `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

type ExampleResponse struct {
	PredictionID string `json:"prediction_id"`
	IsExample    bool   `json:"is_example"`
}

type SetCreditsRequest struct {
	Credits *uint64 `json:"credits"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// queryID reads an optional numeric filter, empty means unset
func queryID(c *ctx.Context, name string) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &shared.RequestError{StatusCode: 400, Err: err}
	}
	return id, nil
}

func (ar *AdminRouter) ListPredictions(cc echo.Context) error {
	c := cc.(*ctx.Context)
	modelID, err := queryID(c, "model_id")
	if err != nil {
		return errorResponse(c, err)
	}
	userID, err := queryID(c, "user_id")
	if err != nil {
		return errorResponse(c, err)
	}
	page, pageSize := shared.ParsePage(c)

	ctx, cancel := lookupContext(c)
	defer cancel()

	preds, total, err := ar.predictions.List(ctx, database.PredictionFilter{ModelID: modelID, UserID: userID}, page, pageSize)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, PredictionPage{Data: preds, Total: total, Page: page, PageSize: pageSize})
}

func (ar *AdminRouter) ToggleExample(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id := c.Param("id")

	isExample, err := ar.predictions.ToggleExample(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	c.Log.Infow("Toggled model example", "prediction_id", id, "is_example", isExample)
	return c.JSON(http.StatusOK, ExampleResponse{PredictionID: id, IsExample: isExample})
}

func (ar *AdminRouter) UpdateModel(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	var update inference.ModelUpdate
	if err := bindJSON(c, &update); err != nil {
		return errorResponse(c, err)
	}

	if err := ar.models.UpdateModel(c.Request().Context(), id, update); err != nil {
		return errorResponse(c, err)
	}
	c.Log.Infow("Updated model", "model_id", id)
	return c.JSON(http.StatusOK, MessageResponse{Message: "model updated"})
}

func (ar *AdminRouter) DeleteModel(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	if err := ar.models.DisableModel(c.Request().Context(), id); err != nil {
		return errorResponse(c, err)
	}
	c.Log.Infow("Disabled model", "model_id", id)
	return c.JSON(http.StatusOK, MessageResponse{Message: "model disabled"})
}

func (ar *AdminRouter) SetCredits(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	var req SetCreditsRequest
	if err := bindJSON(c, &req); err != nil {
		return errorResponse(c, err)
	}
	if req.Credits == nil {
		return errorResponse(c, shared.ErrInvalidRequest)
	}

	if err := ar.credits.Set(c.Request().Context(), id, *req.Credits); err != nil {
		return errorResponse(c, err)
	}
	c.Log.Infow("Set user credits", "target_user_id", id, "credits", *req.Credits)
	return c.JSON(http.StatusOK, CreditsResponse{Credits: *req.Credits})
}
