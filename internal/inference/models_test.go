package inference

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestModelStore(t *testing.T) (*ModelStore, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewModelStore(db, db, client, zap.NewNop().Sugar()), mock, mr
}

var modelColumns = []string{"id", "upstream_id", "name", "description", "cost", "support_stream", "output_format", "run_count", "created_at"}

var paramColumns = []string{"name", "description", "type", "format", "required", "default_value", "enum_values", "minimum", "maximum", "sort_order"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetModelCaches(t *testing.T) {
	store, mock, mr := newTestModelStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery("FROM model").
		WithArgs(uint64(1)).
		WillReturnRows(sqlmock.NewRows(modelColumns).AddRow(uint64(1), "acme/image", "Image", "", uint64(10), false, "image", uint64(3), now))
	mock.ExpectQuery("FROM model_param").
		WithArgs(uint64(1)).
		WillReturnRows(sqlmock.NewRows(paramColumns).
			AddRow("prompt", nil, "string", nil, true, nil, nil, nil, nil, 0).
			AddRow("size", "image size", "string", "enum", false, "512", `["512","1024"]`, nil, nil, 1).
			AddRow("steps", nil, "number", "integer", false, "20", nil, 1.0, 50.0, 2))

	model, err := store.GetModel(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if model.UpstreamID != "acme/image" || model.Cost != 10 || len(model.Params) != 3 {
		t.Fatalf("unexpected model %+v", model)
	}
	if got := model.Params[1].EnumValues; len(got) != 2 || got[1] != "1024" {
		t.Fatalf("unexpected enum values %v", got)
	}
	if p := model.Params[2]; p.Minimum == nil || *p.Minimum != 1 || p.Maximum == nil || *p.Maximum != 50 {
		t.Fatalf("unexpected bounds %+v", p)
	}
	if model.Params[0].Minimum != nil {
		t.Fatal("null minimum should stay nil")
	}

	waitFor(t, func() bool { return mr.Exists(modelCacheKey(1)) })

	// served from cache, no further queries expected
	cached, err := store.GetModel(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if cached.UpstreamID != "acme/image" || len(cached.Params) != 3 || *cached.Params[2].Maximum != 50 {
		t.Fatalf("unexpected cached model %+v", cached)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetModelNotFound(t *testing.T) {
	store, mock, _ := newTestModelStore(t)
	mock.ExpectQuery("FROM model").WillReturnRows(sqlmock.NewRows(modelColumns))

	if _, err := store.GetModel(context.Background(), 9); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected model not found, got %v", err)
	}
}

func TestUpdateModelInvalidatesCache(t *testing.T) {
	store, mock, mr := newTestModelStore(t)
	if err := mr.Set(modelCacheKey(1), `{"id":1}`); err != nil {
		t.Fatal(err)
	}
	cost := uint64(25)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM model WHERE id = ?")).
		WithArgs(uint64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uint64(1)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE model SET cost = ? WHERE id = ?")).
		WithArgs(cost, uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateModel(context.Background(), 1, ModelUpdate{Cost: &cost}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !mr.Exists(modelCacheKey(1)) })
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDisableModel(t *testing.T) {
	store, mock, _ := newTestModelStore(t)
	mock.ExpectQuery("SELECT id FROM model").
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := store.DisableModel(context.Background(), 4); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected model not found, got %v", err)
	}

	mock.ExpectQuery("SELECT id FROM model").
		WithArgs(uint64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uint64(5)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE model SET enabled = ? WHERE id = ?")).
		WithArgs(false, uint64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.DisableModel(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateModelRejectsEmpty(t *testing.T) {
	store, _, _ := newTestModelStore(t)
	if err := store.UpdateModel(context.Background(), 1, ModelUpdate{}); err == nil {
		t.Fatal("expected error for empty update")
	}
}
