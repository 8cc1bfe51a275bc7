package routers

import (
	"context"
	"errors"
	"net/http"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/inference"
	"xmodel-api/internal/middleware"

	"github.com/labstack/echo/v4"
)

type Catalog interface {
	ListModels(ctx context.Context) ([]inference.Model, error)
	GetModelDetail(ctx context.Context, id uint64) (*inference.ModelDetail, error)
}

type Runner interface {
	Preprocess(ctx context.Context, input inference.PreprocessInput) (*inference.RequestInfo, error)
	DoInference(input inference.InferenceInput) (*inference.InferenceOutput, error)
}

type InferenceRouter struct {
	catalog Catalog
	runner  Runner
}

func RegisterInferenceRoutes(e *echo.Group, catalog Catalog, runner Runner, umw *middleware.UserMiddleware) {
	ir := InferenceRouter{catalog: catalog, runner: runner}

	v1 := e.Group("/v1")
	extractUser := v1.Group("", umw.ExtractUser)
	requireUser := v1.Group("", umw.ExtractUser, umw.RequireUser)

	extractUser.GET("/models", ir.GetModels)
	extractUser.GET("/models/:id", ir.GetModel)
	requireUser.POST("/models/:id/predictions", ir.Predict)
}

type ModelList struct {
	Data []inference.Model `json:"data"`
}

type PredictRequest struct {
	Input map[string]any `json:"input"`
}

type PredictResponse struct {
	Output        []any `json:"output"`
	PredictTimeMS int64 `json:"predict_time_ms"`
}

func (ir *InferenceRouter) GetModels(cc echo.Context) error {
	c := cc.(*ctx.Context)

	ctx, cancel := lookupContext(c)
	defer cancel()

	models, err := ir.catalog.ListModels(ctx)
	if err != nil {
		return errorResponse(c, errors.Join(errors.New("failed to get models"), err))
	}
	return c.JSON(http.StatusOK, ModelList{Data: models})
}

func (ir *InferenceRouter) GetModel(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	ctx, cancel := lookupContext(c)
	defer cancel()

	model, err := ir.catalog.GetModelDetail(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, model)
}

func (ir *InferenceRouter) Predict(cc echo.Context) error {
	c := cc.(*ctx.Context)
	modelID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	var req PredictRequest
	if err := bindJSON(c, &req); err != nil {
		return errorResponse(c, err)
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	reqInfo, err := ir.runner.Preprocess(c.Request().Context(), inference.PreprocessInput{
		ModelID:   modelID,
		UserID:    c.User.UserID,
		Input:     req.Input,
		RequestID: c.Reqid,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	c.LogValues.InferenceInfo = &ctx.InferenceInfo{
		ModelID:    reqInfo.Model.ID,
		UpstreamID: reqInfo.Model.UpstreamID,
		Stream:     reqInfo.Stream,
	}
	if !reqInfo.Balance.Sufficient {
		return errorResponse(c, inference.ErrInsufficientBalance)
	}

	if reqInfo.Stream {
		return ir.streamInference(c, reqInfo)
	}
	return ir.nonStreamInference(c, reqInfo)
}

func (ir *InferenceRouter) nonStreamInference(c *ctx.Context, reqInfo *inference.RequestInfo) error {
	out, err := ir.runner.DoInference(inference.InferenceInput{
		Ctx: c.Request().Context(),
		Req: reqInfo,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	c.LogValues.InferenceInfo.TotalTime = out.Metadata.TotalTime

	return c.JSON(http.StatusOK, PredictResponse{
		Output:        out.Output,
		PredictTimeMS: out.Metadata.TotalTime.Milliseconds(),
	})
}

func (ir *InferenceRouter) streamInference(c *ctx.Context, reqInfo *inference.RequestInfo) error {
	w := &sseWriter{c: c}
	out, err := ir.runner.DoInference(inference.InferenceInput{
		Ctx:          c.Request().Context(),
		Req:          reqInfo,
		StreamWriter: w.Delta,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	meta := out.Metadata
	info := c.LogValues.InferenceInfo
	info.Deltas = meta.Deltas
	info.TotalTime = meta.TotalTime
	info.TimeToFirstToken = meta.TimeToFirstToken
	info.Canceled = meta.Canceled

	switch {
	case meta.Canceled:
		// client is gone, nothing left to write to
		c.LogValues.AddError(out.Error)
		return nil
	case out.Error != nil && !w.started:
		return errorResponse(c, out.Error)
	case out.Error != nil:
		// status 200 already went out
		c.LogValues.AddError(out.Error)
		c.LogValues.LogLevel = "ERROR"
		if err := w.Fail(out.Error); err != nil {
			c.LogValues.AddError(errors.Join(errors.New("failed writing stream error"), err))
			return nil
		}
	}
	if err := w.Done(); err != nil {
		c.LogValues.AddError(errors.Join(errors.New("failed writing stream end"), err))
	}
	return nil
}
