// Package credentials generates, hashes, masks and stores per user API keys.
// The raw key only exists in memory during creation; the database keeps the
// salted hash and a masked preview.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"xmodel-api/internal/metrics"
	"xmodel-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"go.uber.org/zap"
)

var (
	ErrCredentialConflict = &shared.RequestError{StatusCode: 409, Err: errors.New("api key with this name already exists")}
	ErrCredentialNotFound = &shared.RequestError{StatusCode: 404, Err: errors.New("api key not found")}
	ErrInvalidName        = &shared.RequestError{StatusCode: 400, Err: errors.New("api key name is too long")}
)

type Credential struct {
	ID         uint64    `json:"id"`
	UserID     uint64    `json:"-"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	DisplayKey string    `json:"display_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Created is returned once, right after creation. Secret is never stored.
type Created struct {
	Credential
	Secret string `json:"api_key"`
}

type Store interface {
	// Insert returns ErrCredentialConflict when (user, name) is taken
	Insert(ctx context.Context, c *Credential) (uint64, error)
	// FirstHash returns the hash of the users oldest key, or ErrCredentialNotFound
	FirstHash(ctx context.Context, userID uint64) (string, error)
	List(ctx context.Context, userID uint64) ([]Credential, error)
	// Delete returns the hash of the deleted key
	Delete(ctx context.Context, userID, id uint64) (string, error)
}

type Vault struct {
	store Store
	salt  string
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewVault(store Store, salt string, log *zap.SugaredLogger) *Vault {
	return &Vault{store: store, salt: salt, log: log, now: time.Now}
}

// Generate returns a new raw API key
func Generate() (string, error) {
	body, err := nanoid.Generate(shared.APIKeyAlphabet, shared.APIKeyBodyLength)
	if err != nil {
		return "", err
	}
	return shared.APIKeyPrefix + body, nil
}

// HashWithSalt is sha256(secret + salt), hex encoded and truncated
func HashWithSalt(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])[:shared.APIKeyHashLength]
}

// Mask keeps the first and last 4 characters. Display only.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

func (v *Vault) Hash(secret string) string {
	return HashWithSalt(secret, v.salt)
}

// Create makes a new key for owner. An empty name means the default key.
func (v *Vault) Create(ctx context.Context, owner uint64, name string) (*Created, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = shared.DefaultAPIKeyName
	}
	if len(name) > shared.MaxAPIKeyNameLength {
		return nil, ErrInvalidName
	}

	secret, err := Generate()
	if err != nil {
		return nil, errors.Join(errors.New("failed generating api key"), err)
	}
	cred := Credential{
		UserID:     owner,
		Name:       name,
		KeyHash:    v.Hash(secret),
		DisplayKey: Mask(secret),
		CreatedAt:  v.now().UTC(),
	}
	id, err := v.store.Insert(ctx, &cred)
	if err != nil {
		return nil, err
	}
	cred.ID = id
	return &Created{Credential: cred, Secret: secret}, nil
}

// FetchOrCreate returns the hash of the owners key, creating the default key
// the first time. Concurrent first callers race on the (user, name) unique
// index and the loser re-reads the winners row.
func (v *Vault) FetchOrCreate(ctx context.Context, owner uint64) (string, error) {
	hash, err := v.store.FirstHash(ctx, owner)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return "", err
	}

	created, err := v.Create(ctx, owner, shared.DefaultAPIKeyName)
	if errors.Is(err, ErrCredentialConflict) {
		v.log.Infow("Lost default api key race, refetching", "user_id", owner)
		return v.store.FirstHash(ctx, owner)
	}
	if err != nil {
		return "", err
	}
	metrics.CredentialsCreated.WithLabelValues("auto").Inc()
	v.log.Infow("Created default api key", "user_id", owner, "key_id", created.ID, "display_key", created.DisplayKey)
	return created.KeyHash, nil
}

func (v *Vault) List(ctx context.Context, owner uint64) ([]Credential, error) {
	return v.store.List(ctx, owner)
}

// Delete removes one of owners keys and returns its hash
func (v *Vault) Delete(ctx context.Context, owner, id uint64) (string, error) {
	return v.store.Delete(ctx, owner, id)
}
