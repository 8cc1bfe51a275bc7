package shared

import "time"

// HTTP Client Configuration
const (
	DefaultInferenceTimeout = 10 * time.Minute
	DefaultDialTimeout      = 2 * time.Second
	DefaultShutdownTimeout  = 10 * time.Minute
	DefaultLookupTimeout    = 5 * time.Second
)

// Cache Configuration
const (
	ModelCacheTTL     = 30 * time.Minute
	UserInfoCacheTTL  = 1 * time.Minute
	CacheWriteTimeout = 10 * time.Second
)

// API Key Configuration
const (
	APIKeyPrefix        = "xm."
	APIKeyBodyLength    = 32
	APIKeyLength        = len(APIKeyPrefix) + APIKeyBodyLength
	APIKeyAlphabet      = "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	APIKeyHashLength    = 32
	DefaultAPIKeyName   = "Default"
	MaxAPIKeyNameLength = 64
)

// Streaming Configuration
const (
	StreamDataPrefix     = "data: "
	StreamDoneToken      = "[DONE]"
	StreamReadBufferSize = 4 * 1024
)

// Usage Recorder Configuration
const (
	UsageQueueSize   = 1024
	UsageWorkers     = 2
	UsageRetryDelay  = 5 * time.Second
	MaxUsageRetries  = 3
	UsageSaveTimeout = 30 * time.Second
)

// Credits Configuration
const (
	CreditsPerUnit         = 100
	CreditTransactionLimit = 10
	DefaultPageSize        = 20
	MaxPageSize            = 100
)
