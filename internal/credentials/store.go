package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"xmodel-api/internal/database"
)

type MySQLStore struct {
	WDB *sql.DB
	RDB *sql.DB
}

func NewMySQLStore(wdb, rdb *sql.DB) *MySQLStore {
	return &MySQLStore{WDB: wdb, RDB: rdb}
}

func (s *MySQLStore) Insert(ctx context.Context, c *Credential) (uint64, error) {
	res, err := s.WDB.ExecContext(ctx, `
		INSERT INTO api_key (user_id, name, key_hash, display_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.UserID, c.Name, c.KeyHash, c.DisplayKey, c.CreatedAt,
	)
	if database.IsDuplicateEntry(err) {
		return 0, errors.Join(ErrCredentialConflict, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read api key id: %w", err)
	}
	return uint64(id), nil
}

// FirstHash reads from the write db so a key created moments ago by a
// concurrent request is always visible
func (s *MySQLStore) FirstHash(ctx context.Context, userID uint64) (string, error) {
	var hash string
	err := s.WDB.QueryRowContext(ctx, `
		SELECT key_hash FROM api_key
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get api key: %w", err)
	}
	return hash, nil
}

func (s *MySQLStore) List(ctx context.Context, userID uint64) ([]Credential, error) {
	rows, err := s.RDB.QueryContext(ctx, `
		SELECT id, name, display_key, created_at FROM api_key
		WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	creds := []Credential{}
	for rows.Next() {
		c := Credential{UserID: userID}
		if err := rows.Scan(&c.ID, &c.Name, &c.DisplayKey, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating api keys: %w", err)
	}
	return creds, nil
}

func (s *MySQLStore) Delete(ctx context.Context, userID, id uint64) (string, error) {
	var hash string
	err := database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx,
				"SELECT key_hash FROM api_key WHERE id = ? AND user_id = ? FOR UPDATE", id, userID).Scan(&hash)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCredentialNotFound
			}
			return err
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM api_key WHERE id = ? AND user_id = ?", id, userID)
			return err
		},
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}
