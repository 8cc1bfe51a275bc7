// Package balance checks a users credits against a models fixed cost. The
// check runs before every paid dispatch; it does not reserve anything, so a
// concurrent run by the same user can still spend the same credits.
package balance

import (
	"context"
	"errors"
	"time"

	"xmodel-api/internal/shared"

	"go.uber.org/zap"
)

const InsufficientMessage = "insufficient balance, please top up"

var (
	ErrUserNotFound  = &shared.RequestError{StatusCode: 404, Err: errors.New("user not found")}
	ErrInvalidAmount = &shared.RequestError{StatusCode: 400, Err: errors.New("amount must be greater than 0")}
)

// Result is the outcome of a check. Not being able to pay is a normal
// result, not an error.
type Result struct {
	Sufficient bool   `json:"is_sufficient"`
	Balance    uint64 `json:"balance"`
	Cost       uint64 `json:"cost"`
	Message    string `json:"message,omitempty"`
}

type Transaction struct {
	ID        uint64    `json:"id"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Credits(ctx context.Context, userID uint64) (uint64, error)
	// AddCredits increments the balance, records the payment and returns the new balance
	AddCredits(ctx context.Context, userID, amount uint64) (uint64, error)
	SetCredits(ctx context.Context, userID, amount uint64) error
	Transactions(ctx context.Context, userID uint64, limit int) ([]Transaction, error)
}

type Guard struct {
	store Store
	log   *zap.SugaredLogger
}

func NewGuard(store Store, log *zap.SugaredLogger) *Guard {
	return &Guard{store: store, log: log}
}

func (g *Guard) Check(ctx context.Context, userID, cost uint64) (Result, error) {
	credits, err := g.store.Credits(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Sufficient: credits >= cost, Balance: credits, Cost: cost}
	if !res.Sufficient {
		res.Message = InsufficientMessage
	}
	return res, nil
}

func (g *Guard) Balance(ctx context.Context, userID uint64) (uint64, error) {
	return g.store.Credits(ctx, userID)
}

// Credit adds units of currency, each worth shared.CreditsPerUnit credits
func (g *Guard) Credit(ctx context.Context, userID, units uint64) (uint64, error) {
	if units == 0 {
		return 0, ErrInvalidAmount
	}
	credits, err := g.store.AddCredits(ctx, userID, units*shared.CreditsPerUnit)
	if err != nil {
		return 0, err
	}
	g.log.Infow("Credits topped up", "user_id", userID, "credits_added", units*shared.CreditsPerUnit, "balance", credits)
	return credits, nil
}

// Set overwrites a balance, admin only
func (g *Guard) Set(ctx context.Context, userID, credits uint64) error {
	return g.store.SetCredits(ctx, userID, credits)
}

func (g *Guard) Transactions(ctx context.Context, userID uint64) ([]Transaction, error) {
	return g.store.Transactions(ctx, userID, shared.CreditTransactionLimit)
}
