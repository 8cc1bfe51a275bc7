package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xmodel-api/internal/database"
)

const productTypeCredit = "credit"

type MySQLStore struct {
	WDB *sql.DB
	RDB *sql.DB
}

func NewMySQLStore(wdb, rdb *sql.DB) *MySQLStore {
	return &MySQLStore{WDB: wdb, RDB: rdb}
}

// Credits reads the write db, replica lag must not make a fresh top up look
// missing
func (s *MySQLStore) Credits(ctx context.Context, userID uint64) (uint64, error) {
	var credits uint64
	err := s.WDB.QueryRowContext(ctx, "SELECT credits FROM user WHERE id = ?", userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user credits: %w", err)
	}
	return credits, nil
}

func (s *MySQLStore) AddCredits(ctx context.Context, userID, amount uint64) (uint64, error) {
	var credits uint64
	err := database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, "UPDATE user SET credits = credits + ? WHERE id = ?", amount, userID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrUserNotFound
			}
			return nil
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO payment (user_id, product_type, remark, created_at) VALUES (?, ?, ?, ?)",
				userID, productTypeCredit, amount, time.Now().UTC())
			return err
		},
		func(tx *sql.Tx) error {
			return tx.QueryRowContext(ctx, "SELECT credits FROM user WHERE id = ?", userID).Scan(&credits)
		},
	})
	if err != nil {
		return 0, err
	}
	return credits, nil
}

// SetCredits checks the user exists first, mysql reports zero affected rows
// when the balance already had that value
func (s *MySQLStore) SetCredits(ctx context.Context, userID, amount uint64) error {
	if _, err := s.Credits(ctx, userID); err != nil {
		return err
	}
	_, err := s.WDB.ExecContext(ctx, "UPDATE user SET credits = ? WHERE id = ?", amount, userID)
	if err != nil {
		return fmt.Errorf("failed to set user credits: %w", err)
	}
	return nil
}

func (s *MySQLStore) Transactions(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	rows, err := s.RDB.QueryContext(ctx, `
		SELECT id, remark, created_at FROM payment
		WHERE user_id = ? AND product_type = ? AND remark > 0
		ORDER BY created_at DESC
		LIMIT ?`, userID, productTypeCredit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit transactions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	txs := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
