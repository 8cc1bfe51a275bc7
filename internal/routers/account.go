package routers

import (
	"context"
	"net/http"

	"xmodel-api/internal/balance"
	"xmodel-api/internal/ctx"
	"xmodel-api/internal/database"
	"xmodel-api/internal/middleware"

	"github.com/labstack/echo/v4"
)

type Wallet interface {
	Balance(ctx context.Context, userID uint64) (uint64, error)
	Credit(ctx context.Context, userID, units uint64) (uint64, error)
	Transactions(ctx context.Context, userID uint64) ([]balance.Transaction, error)
}

type Predictions interface {
	Count(ctx context.Context, userID uint64) (uint64, error)
	List(ctx context.Context, filter database.PredictionFilter, page, pageSize int) ([]database.Prediction, uint64, error)
	ToggleExample(ctx context.Context, predictionID string) (bool, error)
}

type AccountRouter struct {
	wallet      Wallet
	predictions Predictions
}

func RegisterAccountRoutes(e *echo.Group, wallet Wallet, predictions Predictions, umw *middleware.UserMiddleware) {
	ar := AccountRouter{wallet: wallet, predictions: predictions}

	requireUser := e.Group("/v1", umw.ExtractUser, umw.RequireUser)
	requireUser.GET("/credits", ar.GetCredits)
	requireUser.POST("/credits", ar.AddCredits)
	requireUser.GET("/credits/transactions", ar.GetTransactions)
	requireUser.GET("/predictions/count", ar.CountPredictions)
}

type CreditsResponse struct {
	Credits uint64 `json:"credits"`
}

type AddCreditsRequest struct {
	// Amount is in currency units, see shared.CreditsPerUnit
	Amount uint64 `json:"amount"`
}

type TransactionList struct {
	Data []balance.Transaction `json:"data"`
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

func (ar *AccountRouter) GetCredits(cc echo.Context) error {
	c := cc.(*ctx.Context)
	ctx, cancel := lookupContext(c)
	defer cancel()

	credits, err := ar.wallet.Balance(ctx, c.User.UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, CreditsResponse{Credits: credits})
}

func (ar *AccountRouter) AddCredits(cc echo.Context) error {
	c := cc.(*ctx.Context)
	var req AddCreditsRequest
	if err := bindJSON(c, &req); err != nil {
		return errorResponse(c, err)
	}

	credits, err := ar.wallet.Credit(c.Request().Context(), c.User.UserID, req.Amount)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, CreditsResponse{Credits: credits})
}

func (ar *AccountRouter) GetTransactions(cc echo.Context) error {
	c := cc.(*ctx.Context)
	ctx, cancel := lookupContext(c)
	defer cancel()

	txs, err := ar.wallet.Transactions(ctx, c.User.UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, TransactionList{Data: txs})
}

func (ar *AccountRouter) CountPredictions(cc echo.Context) error {
	c := cc.(*ctx.Context)
	ctx, cancel := lookupContext(c)
	defer cancel()

	count, err := ar.predictions.Count(ctx, c.User.UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: count})
}
