package ticketing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsRateLimited reports whether err is a primary (403) or secondary (429)
// rate limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && isRateLimitResponse(apiErr.StatusCode, apiErr.Message)
}

func isRateLimitResponse(status int, message string) bool {
	if status == 429 {
		return true
	}
	lower := strings.ToLower(message)
	return status == 403 && (strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection"))
}

func parseAPIError(status int, body []byte) *APIError {
	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		return &APIError{StatusCode: status, Message: wire.Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
