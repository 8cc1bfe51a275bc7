package inference

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"xmodel-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrModelNotFound = &shared.RequestError{StatusCode: 404, Err: errors.New("model not found")}

type Model struct {
	ID uint64 `json:"id"`
	// UpstreamID is the id the inference endpoint knows the model by
	UpstreamID    string       `json:"upstream_id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Cost          uint64       `json:"cost"`
	SupportStream bool         `json:"support_stream"`
	OutputFormat  string       `json:"output_format"`
	RunCount      uint64       `json:"run_count"`
	CreatedAt     time.Time    `json:"created_at"`
	Params        []ModelParam `json:"params,omitempty"`
}

type ModelParam struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Format      string   `json:"format,omitempty"`
	Required    bool     `json:"required"`
	Default     string   `json:"default_value,omitempty"`
	EnumValues  []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Order       int      `json:"order"`
}

type ModelExample struct {
	PredictionID string          `json:"prediction_id"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output"`
}

type ModelDetail struct {
	Model
	Examples []ModelExample `json:"examples"`
}

// ModelUpdate holds the admin editable fields, nil means unchanged
type ModelUpdate struct {
	Cost          *uint64 `json:"cost,omitempty"`
	Enabled       *bool   `json:"enabled,omitempty"`
	SupportStream *bool   `json:"support_stream,omitempty"`
}

const maxExamples = 10

// ModelStore reads models from mysql, caching enabled models with their
// params in redis
type ModelStore struct {
	WDB         *sql.DB
	RDB         *sql.DB
	RedisClient *redis.Client
	Log         *zap.SugaredLogger
}

func NewModelStore(wdb, rdb *sql.DB, redisClient *redis.Client, log *zap.SugaredLogger) *ModelStore {
	return &ModelStore{WDB: wdb, RDB: rdb, RedisClient: redisClient, Log: log}
}

func modelCacheKey(id uint64) string {
	return fmt.Sprintf("xmodel:v1:model:%d", id)
}

func (m *ModelStore) GetModel(ctx context.Context, id uint64) (*Model, error) {
	cacheKey := modelCacheKey(id)
	cached, err := m.RedisClient.Get(ctx, cacheKey).Result()
	if err == nil && cached != "" {
		var model Model
		if err := json.Unmarshal([]byte(cached), &model); err == nil {
			m.Log.Debugw("Cache hit for model", "model_id", id)
			return &model, nil
		}
		m.Log.Warnw("Failed to unmarshal cached model", "error", err, "model_id", id)
	}

	m.Log.Debugw("Cache miss, querying database", "model_id", id)

	var model Model
	err = m.RDB.QueryRowContext(ctx, `
		SELECT id, upstream_id, name, description, cost, support_stream, output_format, run_count, created_at
		FROM model
		WHERE id = ? AND enabled = true`, id).Scan(
		&model.ID,
		&model.UpstreamID,
		&model.Name,
		&model.Description,
		&model.Cost,
		&model.SupportStream,
		&model.OutputFormat,
		&model.RunCount,
		&model.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, utils.Wrap("failed to get model", err)
	}

	params, err := m.params(ctx, id)
	if err != nil {
		return nil, err
	}
	model.Params = params

	// cache full model
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), shared.CacheWriteTimeout)
		defer cancel()

		cacheJSON, err := json.Marshal(model)
		if err != nil {
			m.Log.Warnw("Failed to marshal model for cache", "error", err, "model_id", id)
			return
		}
		if err := m.RedisClient.Set(cacheCtx, cacheKey, cacheJSON, shared.ModelCacheTTL).Err(); err != nil {
			m.Log.Warnw("Failed to cache model", "error", err, "model_id", id, "cache_key", cacheKey)
		}
	}()

	return &model, nil
}

func (m *ModelStore) params(ctx context.Context, modelID uint64) ([]ModelParam, error) {
	rows, err := m.RDB.QueryContext(ctx, `
		SELECT name, description, type, format, required, default_value, enum_values, minimum, maximum, sort_order
		FROM model_param
		WHERE model_id = ?
		ORDER BY sort_order ASC, id ASC`, modelID)
	if err != nil {
		return nil, utils.Wrap("failed to get model params", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	params := []ModelParam{}
	for rows.Next() {
		p, err := scanParam(rows)
		if err != nil {
			m.Log.Warnw("Failed to scan model param row", "error", err.Error(), "model_id", modelID)
			continue
		}
		params = append(params, p)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("Error iterating over model param rows", err)
	}
	return params, nil
}

func scanParam(rows *sql.Rows) (ModelParam, error) {
	var p ModelParam
	var description, format, defaultValue, enumJSON sql.NullString
	var minimum, maximum sql.NullFloat64

	if err := rows.Scan(&p.Name, &description, &p.Type, &format, &p.Required, &defaultValue, &enumJSON, &minimum, &maximum, &p.Order); err != nil {
		return ModelParam{}, err
	}
	p.Description = description.String
	p.Format = format.String
	p.Default = defaultValue.String
	if enumJSON.Valid && enumJSON.String != "" {
		if err := json.Unmarshal([]byte(enumJSON.String), &p.EnumValues); err != nil {
			return ModelParam{}, err
		}
	}
	if minimum.Valid {
		p.Minimum = &minimum.Float64
	}
	if maximum.Valid {
		p.Maximum = &maximum.Float64
	}
	return p, nil
}

// ListModels returns enabled models, most run first, without params
func (m *ModelStore) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := m.RDB.QueryContext(ctx, `
		SELECT id, upstream_id, name, description, cost, support_stream, output_format, run_count, created_at
		FROM model
		WHERE enabled = true
		ORDER BY run_count DESC, id ASC`)
	if err != nil {
		return nil, utils.Wrap("failed to list models", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	models := []Model{}
	for rows.Next() {
		var model Model
		err := rows.Scan(
			&model.ID,
			&model.UpstreamID,
			&model.Name,
			&model.Description,
			&model.Cost,
			&model.SupportStream,
			&model.OutputFormat,
			&model.RunCount,
			&model.CreatedAt,
		)
		if err != nil {
			m.Log.Warnw("Failed to scan model row", "error", err.Error())
			continue
		}
		models = append(models, model)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("Error iterating over model rows", err)
	}
	return models, nil
}

// GetModelDetail is the model with params and its latest examples
func (m *ModelStore) GetModelDetail(ctx context.Context, id uint64) (*ModelDetail, error) {
	model, err := m.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := m.RDB.QueryContext(ctx, `
		SELECT p.id, p.input, p.output
		FROM model_example e
		INNER JOIN prediction p ON p.id = e.prediction_id
		WHERE e.model_id = ?
		ORDER BY e.created_at DESC
		LIMIT ?`, id, maxExamples)
	if err != nil {
		return nil, utils.Wrap("failed to get model examples", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	detail := &ModelDetail{Model: *model, Examples: []ModelExample{}}
	for rows.Next() {
		var ex ModelExample
		var input, output []byte
		if err := rows.Scan(&ex.PredictionID, &input, &output); err != nil {
			m.Log.Warnw("Failed to scan model example row", "error", err.Error(), "model_id", id)
			continue
		}
		ex.Input = json.RawMessage(input)
		ex.Output = json.RawMessage(output)
		detail.Examples = append(detail.Examples, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("Error iterating over model example rows", err)
	}
	return detail, nil
}

func (m *ModelStore) UpdateModel(ctx context.Context, id uint64, update ModelUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *update.Cost)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.SupportStream != nil {
		sets = append(sets, "support_stream = ?")
		args = append(args, *update.SupportStream)
	}
	if len(sets) == 0 {
		return &shared.RequestError{StatusCode: 400, Err: errors.New("nothing to update")}
	}
	args = append(args, id)

	var modelID uint64
	err := m.WDB.QueryRowContext(ctx, "SELECT id FROM model WHERE id = ?", id).Scan(&modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrModelNotFound
	}
	if err != nil {
		return errors.Join(errors.New("failed to find model"), err, shared.ErrInternalServerError)
	}

	_, err = m.WDB.ExecContext(ctx, "UPDATE model SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to update model %d", id), err, shared.ErrInternalServerError)
	}
	m.Invalidate(id)
	return nil
}

// DisableModel soft deletes a model, existing predictions keep pointing at it
func (m *ModelStore) DisableModel(ctx context.Context, id uint64) error {
	disabled := false
	return m.UpdateModel(ctx, id, ModelUpdate{Enabled: &disabled})
}

// Invalidate clears the cached model in the background
func (m *ModelStore) Invalidate(id uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shared.CacheWriteTimeout)
		defer cancel()
		if err := m.RedisClient.Del(ctx, modelCacheKey(id)).Err(); err != nil {
			m.Log.Warnw("failed to clear cache for model", "error", err, "model_id", id)
		}
	}()
}
