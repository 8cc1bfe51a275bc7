// Package usage persists completed predictions off the request path. Records
// are queued and written by a small pool of workers so a slow database never
// delays a response.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"xmodel-api/internal/metrics"
	"xmodel-api/internal/shared"

	"go.uber.org/zap"
)

type Record struct {
	ModelID uint64
	// Model is the upstream id, used as the metrics label
	Model     string
	UserID    uint64
	Cost      uint64
	Input     map[string]any
	Output    json.RawMessage
	Elapsed   time.Duration
	CreatedAt time.Time
}

type Store interface {
	// Save writes the prediction and bumps the models run count in one
	// transaction, charging the user when charge is set
	Save(ctx context.Context, rec *Record, charge bool) error
}

type Config struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	// Charge debits the models cost after a successful run
	Charge bool
}

func DefaultConfig() Config {
	return Config{
		QueueSize:  shared.UsageQueueSize,
		Workers:    shared.UsageWorkers,
		MaxRetries: shared.MaxUsageRetries,
		RetryDelay: shared.UsageRetryDelay,
	}
}

type Recorder struct {
	store Store
	cfg   Config
	log   *zap.SugaredLogger

	queue  chan *Record
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, cfg Config, log *zap.SugaredLogger) *Recorder {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	r := &Recorder{
		store: store,
		cfg:   cfg,
		log:   log,
		queue: make(chan *Record, cfg.QueueSize),
	}
	for range cfg.Workers {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Record queues rec and returns immediately. It reports false when the
// record was dropped because the queue is full or the recorder is shut down.
func (r *Recorder) Record(rec *Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.UsageRecords.WithLabelValues("dropped").Inc()
		r.log.Warnw("Usage recorder closed, dropping record", "user_id", rec.UserID, "model_id", rec.ModelID)
		return false
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
		metrics.UsageQueueDepth.Set(float64(len(r.queue)))
		return true
	default:
		metrics.UsageRecords.WithLabelValues("dropped").Inc()
		r.log.Errorw("Usage queue full, dropping record", "user_id", rec.UserID, "model_id", rec.ModelID)
		return false
	}
}

// Shutdown stops accepting records and waits for queued ones to be written
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.log.Info("Shutting down usage recorder")
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage recorder did not drain: %w", ctx.Err())
	}
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for rec := range r.queue {
		metrics.UsageQueueDepth.Set(float64(len(r.queue)))
		r.save(rec)
	}
}

func (r *Recorder) save(rec *Record) {
	var err error
	for attempt := range r.cfg.MaxRetries {
		ctx, cancel := context.WithTimeout(context.Background(), shared.UsageSaveTimeout)
		err = r.store.Save(ctx, rec, r.cfg.Charge)
		cancel()
		if err == nil {
			metrics.UsageRecords.WithLabelValues("saved").Inc()
			if r.cfg.Charge {
				metrics.CreditUsage.WithLabelValues(rec.Model).Add(float64(rec.Cost))
			}
			r.log.Infow("Saved prediction", "user_id", rec.UserID, "model_id", rec.ModelID, "elapsed", rec.Elapsed, "charged", r.cfg.Charge)
			return
		}
		r.log.Warnw("Failed saving prediction", "error", err, "attempt", attempt+1, "user_id", rec.UserID, "model_id", rec.ModelID)
		if attempt < r.cfg.MaxRetries-1 {
			time.Sleep(r.cfg.RetryDelay)
		}
	}
	r.log.Errorw("Failed saving prediction, giving up", "error", err, "retries", r.cfg.MaxRetries, "user_id", rec.UserID, "model_id", rec.ModelID)
	metrics.UsageRecords.WithLabelValues("failed").Inc()
	metrics.ErrorCount.WithLabelValues(rec.Model, "save_prediction").Inc()
}
