package credentials

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLStore(db, db), mock
}

func TestMySQLStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)
	c := &Credential{UserID: 7, Name: "Default", KeyHash: "hash", DisplayKey: "xm.a****bcde", CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO api_key").
		WithArgs(uint64(7), "Default", "hash", "xm.a****bcde", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(11, 1))

	id, err := store.Insert(context.Background(), c)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != 11 {
		t.Fatalf("expected id 11, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreInsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	c := &Credential{UserID: 7, Name: "Default", KeyHash: "hash", DisplayKey: "x", CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO api_key").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7-Default' for key 'api_key_user_name'"})

	_, err := store.Insert(context.Background(), c)
	if !errors.Is(err, ErrCredentialConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreFirstHash(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key_hash FROM api_key").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}).AddRow("abc"))
	mock.ExpectQuery("SELECT key_hash FROM api_key").
		WithArgs(uint64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}))

	hash, err := store.FirstHash(context.Background(), 7)
	if err != nil || hash != "abc" {
		t.Fatalf("got %q, %v", hash, err)
	}
	_, err = store.FirstHash(context.Background(), 8)
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key_hash FROM api_key WHERE id = ? AND user_id = ? FOR UPDATE")).
		WithArgs(uint64(3), uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}).AddRow("abc"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_key WHERE id = ? AND user_id = ?")).
		WithArgs(uint64(3), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hash, err := store.Delete(context.Background(), 7, 3)
	if err != nil || hash != "abc" {
		t.Fatalf("got %q, %v", hash, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreDeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key_hash FROM api_key").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}))
	mock.ExpectRollback()

	_, err := store.Delete(context.Background(), 7, 3)
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
