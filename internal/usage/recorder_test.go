package usage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []*Record
	charged []bool
	calls   int
	failN   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeStore) Save(_ context.Context, rec *Record, charge bool) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("db down")
	}
	f.saved = append(f.saved, rec)
	f.charged = append(f.charged, charge)
	return nil
}

func (f *fakeStore) snapshot() ([]*Record, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Record(nil), f.saved...), f.calls
}

func testConfig() Config {
	return Config{QueueSize: 16, Workers: 2, MaxRetries: 3, RetryDelay: 0}
}

func TestRecorderSavesAndDrains(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, testConfig(), zap.NewNop().Sugar())

	for i := range 10 {
		if !r.Record(&Record{ModelID: uint64(i), UserID: 1, Output: json.RawMessage(`["a.png"]`)}) {
			t.Fatalf("record %d dropped", i)
		}
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, _ := store.snapshot()
	if len(saved) != 10 {
		t.Fatalf("expected 10 saved records, got %d", len(saved))
	}
	for _, rec := range saved {
		if rec.CreatedAt.IsZero() {
			t.Fatalf("created_at not stamped")
		}
	}
}

func TestRecorderRetries(t *testing.T) {
	store := &fakeStore{failN: 2}
	r := NewRecorder(store, Config{QueueSize: 1, Workers: 1, MaxRetries: 3}, zap.NewNop().Sugar())

	r.Record(&Record{ModelID: 1, UserID: 1})
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, calls := store.snapshot()
	if len(saved) != 1 || calls != 3 {
		t.Fatalf("expected 1 save after 3 calls, got %d saves and %d calls", len(saved), calls)
	}
}

func TestRecorderGivesUp(t *testing.T) {
	store := &fakeStore{failN: 100}
	r := NewRecorder(store, Config{QueueSize: 1, Workers: 1, MaxRetries: 2}, zap.NewNop().Sugar())

	r.Record(&Record{ModelID: 1, UserID: 1})
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, calls := store.snapshot()
	if len(saved) != 0 || calls != 2 {
		t.Fatalf("expected 0 saves after 2 calls, got %d saves and %d calls", len(saved), calls)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &fakeStore{started: make(chan struct{}, 4), release: make(chan struct{})}
	r := NewRecorder(store, Config{QueueSize: 1, Workers: 1, MaxRetries: 1}, zap.NewNop().Sugar())

	if !r.Record(&Record{ModelID: 1}) {
		t.Fatal("first record dropped")
	}
	<-store.started
	if !r.Record(&Record{ModelID: 2}) {
		t.Fatal("second record should fit in the queue")
	}
	if r.Record(&Record{ModelID: 3}) {
		t.Fatal("third record should be dropped")
	}

	close(store.release)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, _ := store.snapshot()
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved, got %d", len(saved))
	}
}

func TestRecorderRejectsAfterShutdown(t *testing.T) {
	r := NewRecorder(&fakeStore{}, testConfig(), zap.NewNop().Sugar())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Record(&Record{ModelID: 1}) {
		t.Fatal("record accepted after shutdown")
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestRecorderShutdownDeadline(t *testing.T) {
	store := &fakeStore{release: make(chan struct{})}
	defer close(store.release)
	r := NewRecorder(store, Config{QueueSize: 1, Workers: 1, MaxRetries: 1}, zap.NewNop().Sugar())
	r.Record(&Record{ModelID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRecorderPassesChargeFlag(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig()
	cfg.Charge = true
	r := NewRecorder(store, cfg, zap.NewNop().Sugar())
	r.Record(&Record{ModelID: 1, Cost: 5})
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.charged) != 1 || !store.charged[0] {
		t.Fatalf("expected charge flag to reach the store, got %v", store.charged)
	}
}

func TestMySQLStoreSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	store := NewMySQLStore(db)

	rec := &Record{
		ModelID:   3,
		UserID:    7,
		Cost:      5,
		Input:     map[string]any{"prompt": "cat"},
		Output:    json.RawMessage(`["a.png"]`),
		Elapsed:   1500 * time.Millisecond,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO prediction").
		WithArgs(sqlmock.AnyArg(), uint64(3), uint64(7), `{"prompt":"cat"}`, `["a.png"]`, int64(1500), rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE model SET run_count = run_count + 1 WHERE id = ?")).
		WithArgs(uint64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM user WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(uint64(3)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE user SET credits = ? WHERE id = ?")).
		WithArgs(uint64(0), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), rec, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreSaveWithoutCharge(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	store := NewMySQLStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO prediction").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE model SET run_count").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), &Record{ModelID: 1, UserID: 1, Cost: 5}, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreSaveRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	store := NewMySQLStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO prediction").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE model SET run_count").WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	if err := store.Save(context.Background(), &Record{ModelID: 1, UserID: 1}, false); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
