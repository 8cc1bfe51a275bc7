package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"xmodel-api/internal/shared"
)

var ErrPredictionNotFound = &shared.RequestError{StatusCode: 404, Err: errors.New("prediction not found")}

type Prediction struct {
	ID          string          `json:"id"`
	ModelID     uint64          `json:"model_id"`
	UserID      uint64          `json:"user_id"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	PredictTime time.Duration   `json:"-"`
	PredictMS   int64           `json:"predict_time_ms"`
	IsExample   bool            `json:"is_example"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertPrediction writes the prediction row inside a usage transaction
func InsertPrediction(ctx context.Context, tx *sql.Tx, p *Prediction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO prediction (id, model_id, user_id, input, output, predict_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ModelID, p.UserID, string(p.Input), string(p.Output), p.PredictTime.Milliseconds(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func IncrementRunCount(ctx context.Context, tx *sql.Tx, modelID uint64) error {
	_, err := tx.ExecContext(ctx, "UPDATE model SET run_count = run_count + 1 WHERE id = ?", modelID)
	if err != nil {
		return fmt.Errorf("failed to increment model run count: %w", err)
	}
	return nil
}

// ChargeUser debits cost credits. The balance is clamped at zero since the
// pre dispatch check does not reserve anything.
func ChargeUser(ctx context.Context, tx *sql.Tx, userID, cost uint64) error {
	var credits uint64
	err := tx.QueryRowContext(ctx, "SELECT credits FROM user WHERE id = ? FOR UPDATE", userID).Scan(&credits)
	if err != nil {
		return fmt.Errorf("failed to get user credits: %w", err)
	}

	balance := uint64(0)
	if cost < credits {
		balance = credits - cost
	}

	_, err = tx.ExecContext(ctx, "UPDATE user SET credits = ? WHERE id = ?", balance, userID)
	if err != nil {
		return fmt.Errorf("failed to update user credits: %w", err)
	}
	return nil
}

func CountUserPredictions(ctx context.Context, db *sql.DB, userID uint64) (uint64, error) {
	var count uint64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM prediction WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return count, nil
}

// PredictionFilter narrows ListPredictions, zero fields match everything
type PredictionFilter struct {
	ModelID uint64
	UserID  uint64
}

// ListPredictions pages through predictions, newest first
func ListPredictions(ctx context.Context, db *sql.DB, filter PredictionFilter, page, pageSize int) ([]Prediction, uint64, error) {
	conds := []string{}
	args := []any{}
	if filter.ModelID != 0 {
		conds = append(conds, "p.model_id = ?")
		args = append(args, filter.ModelID)
	}
	if filter.UserID != 0 {
		conds = append(conds, "p.user_id = ?")
		args = append(args, filter.UserID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total uint64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM prediction p "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count predictions: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := db.QueryContext(ctx, `
		SELECT p.id, p.model_id, p.user_id, p.input, p.output, p.predict_time_ms, p.created_at,
			EXISTS(SELECT 1 FROM model_example e WHERE e.prediction_id = p.id)
		FROM prediction p `+where+`
		ORDER BY p.created_at DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	preds := []Prediction{}
	for rows.Next() {
		var p Prediction
		var input, output []byte
		if err := rows.Scan(&p.ID, &p.ModelID, &p.UserID, &input, &output, &p.PredictMS, &p.CreatedAt, &p.IsExample); err != nil {
			return nil, 0, fmt.Errorf("failed to scan prediction: %w", err)
		}
		p.Input = json.RawMessage(input)
		p.Output = json.RawMessage(output)
		p.PredictTime = time.Duration(p.PredictMS) * time.Millisecond
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed iterating predictions: %w", err)
	}
	return preds, total, nil
}

// ToggleExample marks a prediction as an example of its model, or unmarks it
// if it already is one. Returns whether it is an example afterwards.
func ToggleExample(ctx context.Context, db *sql.DB, predictionID string) (bool, error) {
	isExample := false
	err := ExecuteTransaction(ctx, db, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			var modelID uint64
			err := tx.QueryRowContext(ctx, "SELECT model_id FROM prediction WHERE id = ? FOR UPDATE", predictionID).Scan(&modelID)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPredictionNotFound
			}
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, "DELETE FROM model_example WHERE prediction_id = ?", predictionID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				return nil
			}

			_, err = tx.ExecContext(ctx,
				"INSERT INTO model_example (model_id, prediction_id, created_at) VALUES (?, ?, ?)",
				modelID, predictionID, time.Now().UTC())
			if err != nil {
				return err
			}
			isExample = true
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return isExample, nil
}

// PredictionStore binds the prediction queries to the write and read pools
type PredictionStore struct {
	WDB *sql.DB
	RDB *sql.DB
}

func (s *PredictionStore) Count(ctx context.Context, userID uint64) (uint64, error) {
	return CountUserPredictions(ctx, s.RDB, userID)
}

func (s *PredictionStore) List(ctx context.Context, filter PredictionFilter, page, pageSize int) ([]Prediction, uint64, error) {
	return ListPredictions(ctx, s.RDB, filter, page, pageSize)
}

func (s *PredictionStore) ToggleExample(ctx context.Context, predictionID string) (bool, error) {
	return ToggleExample(ctx, s.WDB, predictionID)
}
