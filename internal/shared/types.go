package shared

import "time"

// Event is a single record of an upstream stream. Only the nested
// choices[0].delta.content path is read, everything else is ignored.
type Event struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Delta *Delta `json:"delta"`
}

type Delta struct {
	Content *string `json:"content"`
}

// InferenceBody is what gets sent to the upstream inference endpoint
type InferenceBody struct {
	ModelID string         `json:"modelId"`
	Input   map[string]any `json:"input"`
	Stream  bool           `json:"stream,omitempty"`
}

// StreamChunk is written to the client for every delta on streaming runs
type StreamChunk struct {
	Content string `json:"content"`
}

type APIError struct {
	Message string `json:"message"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Field   string `json:"field,omitempty"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type UserMetadata struct {
	UserID    uint64    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	// KeyHash is set when the user authenticated with an API key
	KeyHash string `json:"-"`
}

func (u *UserMetadata) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
