package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAuthExpired means refresh failed, refresh attempts are exhausted, or
// tokens went missing when required. Tokens are always cleared before this
// is returned; the caller must re-authenticate.
var ErrAuthExpired = errors.New("authentication expired")

// ErrTimeout means the request was aborted by its deadline, wherever in the
// pipeline that happened. Distinct from ordinary network failure.
var ErrTimeout = errors.New("request timeout")

// APIError is a non-2xx response that survived any applicable refresh/retry.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d at %s: %s", e.StatusCode, e.URL, e.Message)
	}
	return fmt.Sprintf("api error %d at %s", e.StatusCode, e.URL)
}

// errorMessage extracts the optional message field from an error body.
// Parse failures degrade to an empty message, never to a secondary error.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
