// Package auth resolves bearer tokens to users. API keys are looked up by
// their salted hash; anything else is treated as a session token issued by
// the account service.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"xmodel-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Hasher interface {
	Hash(secret string) string
}

type UserManager struct {
	redis  *redis.Client
	rdb    *sql.DB
	hasher Hasher
	log    *zap.SugaredLogger
}

func NewUserManager(redisClient *redis.Client, rdb *sql.DB, hasher Hasher, log *zap.SugaredLogger) *UserManager {
	return &UserManager{redis: redisClient, rdb: rdb, hasher: hasher, log: log}
}

func apiKeyCacheKey(hash string) string {
	return fmt.Sprintf("xmodel:v1:user:apikey:%s", hash)
}

func SessionKey(token string) string {
	return fmt.Sprintf("xmodel:v1:session:%s", token)
}

// Authenticate resolves a bearer token of either kind
func (u *UserManager) Authenticate(ctx context.Context, token string) (*shared.UserMetadata, error) {
	if shared.IsAPIKey(token) {
		if err := shared.ValidateAPIKey(token); err != nil {
			return nil, err
		}
		return u.GetUserFromKey(ctx, token)
	}
	return u.GetUserFromSession(ctx, token)
}

func (u *UserManager) GetUserFromKey(ctx context.Context, apiKey string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata
	hash := u.hasher.Hash(apiKey)

	userInfoCacheKey := apiKeyCacheKey(hash)
	userInfoCache, err := u.redis.Get(ctx, userInfoCacheKey).Result()
	switch err {
	case nil:
		err = json.Unmarshal([]byte(userInfoCache), &userMetadata)
		if err == nil {
			userMetadata.KeyHash = hash
			return &userMetadata, nil
		}
		u.log.Errorw("Error unmarshalling user info cache", "error", err)
		fallthrough
	default:
		u.log.Debugw("User cache miss", "key", userInfoCacheKey)

		err = u.rdb.QueryRowContext(ctx, `
		SELECT
		user.id,
		user.email,
		user.role,
		user.created_at
		FROM user
		INNER JOIN api_key ON user.id = api_key.user_id
		WHERE api_key.key_hash = ?
		`, hash).Scan(
			&userMetadata.UserID,
			&userMetadata.Email,
			&userMetadata.Role,
			&userMetadata.CreatedAt,
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				u.log.Warnw("Invalid API key", "key_hash", hash)
				return nil, shared.ErrUnauthorized
			}
			u.log.Errorw("Database error during API key validation", "error", err)
			return nil, shared.ErrUnauthorized
		}
		go u.cache(userInfoCacheKey, userMetadata)
		userMetadata.KeyHash = hash
		return &userMetadata, nil
	}
}

// GetUserFromSession resolves a session token. The account service stores
// the user id under the session key; the user row is always read fresh.
func (u *UserManager) GetUserFromSession(ctx context.Context, token string) (*shared.UserMetadata, error) {
	if token == "" {
		return nil, shared.ErrMissingAuth
	}
	raw, err := u.redis.Get(ctx, SessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrUnauthorized
	}
	if err != nil {
		u.log.Errorw("Failed reading session", "error", err)
		return nil, shared.ErrUnauthorized
	}
	userID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		u.log.Warnw("Malformed session value", "error", err)
		return nil, shared.ErrUnauthorized
	}

	var userMetadata shared.UserMetadata
	err = u.rdb.QueryRowContext(ctx, `
		SELECT id, email, role, created_at FROM user WHERE id = ?
		`, userID).Scan(
		&userMetadata.UserID,
		&userMetadata.Email,
		&userMetadata.Role,
		&userMetadata.CreatedAt,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			u.log.Errorw("Database error during session validation", "error", err)
		}
		return nil, shared.ErrUnauthorized
	}
	return &userMetadata, nil
}

// Forget drops the cached user for a key hash, used when a key is deleted
func (u *UserManager) Forget(ctx context.Context, keyHash string) error {
	return u.redis.Del(ctx, apiKeyCacheKey(keyHash)).Err()
}

func (u *UserManager) cache(key string, userMetadata shared.UserMetadata) {
	userInfoCache, err := json.Marshal(userMetadata)
	if err != nil {
		u.log.Errorw("Error marshalling user info", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shared.CacheWriteTimeout)
	defer cancel()
	if err := u.redis.Set(ctx, key, userInfoCache, shared.UserInfoCacheTTL).Err(); err != nil {
		u.log.Warnw("Failed caching user info", "error", err)
	}
}

// SetSession is used by tests and local tooling to mint a session
func SetSession(ctx context.Context, r *redis.Client, token string, userID uint64, ttl time.Duration) error {
	return r.Set(ctx, SessionKey(token), strconv.FormatUint(userID, 10), ttl).Err()
}
