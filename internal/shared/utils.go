// Package shared
package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

func SafeEnv(env string) (string, error) {
	// Lookup env variable, and error if not present
	res, present := os.LookupEnv(env)
	if !present {
		return "", fmt.Errorf("missing environment variable %s", env)
	}
	return res, nil
}

func GetEnv(env, fallback string) string {
	if value, ok := os.LookupEnv(env); ok {
		return value
	}
	return fallback
}

// ExtractBearerToken returns the token of a `Bearer <token>` authorization
// header
func ExtractBearerToken(c echo.Context) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	// Validate bearer format
	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", ErrInvalidFormat
	}
	return parts[1], nil
}

// IsAPIKey reports whether the token is shaped like one of our API keys.
// Anything else is treated as a session token.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix)
}

// ValidateAPIKey checks prefix and length of a raw API key
func ValidateAPIKey(token string) error {
	if !IsAPIKey(token) {
		return ErrInvalidFormat
	}
	if len(token) != APIKeyLength {
		return ErrInvalidKeyLen
	}
	return nil
}

// ParsePage reads `page` and `page_size` query params with defaults
func ParsePage(c echo.Context) (page int, pageSize int) {
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err = strconv.Atoi(c.QueryParam("page_size"))
	if err != nil || pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
