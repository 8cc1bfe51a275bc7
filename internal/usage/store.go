package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"xmodel-api/internal/database"

	"github.com/google/uuid"
)

type MySQLStore struct {
	WDB *sql.DB
}

func NewMySQLStore(wdb *sql.DB) *MySQLStore {
	return &MySQLStore{WDB: wdb}
}

func (s *MySQLStore) Save(ctx context.Context, rec *Record, charge bool) error {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction input: %w", err)
	}
	output := rec.Output
	if output == nil {
		output = json.RawMessage("null")
	}
	p := &database.Prediction{
		ID:          uuid.NewString(),
		ModelID:     rec.ModelID,
		UserID:      rec.UserID,
		Input:       input,
		Output:      output,
		PredictTime: rec.Elapsed,
		CreatedAt:   rec.CreatedAt,
	}

	fns := []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			return database.InsertPrediction(ctx, tx, p)
		},
		func(tx *sql.Tx) error {
			return database.IncrementRunCount(ctx, tx, rec.ModelID)
		},
	}
	if charge && rec.Cost > 0 {
		fns = append(fns, func(tx *sql.Tx) error {
			return database.ChargeUser(ctx, tx, rec.UserID, rec.Cost)
		})
	}
	return database.ExecuteTransaction(ctx, s.WDB, fns)
}
