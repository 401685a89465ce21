package signin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors returned by the client.
var (
	// ErrNoToken is returned when no session token is found in the request.
	ErrNoToken = errors.New("signin: no session token provided")

	// ErrSessionInvalid is returned when the session is revoked or expired.
	ErrSessionInvalid = errors.New("signin: session is invalid or expired")
)

// APIError represents an error response from the sign-in API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	// RetryAfter is set on 429 responses
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return "signin: API error " + strconv.Itoa(e.StatusCode) + " [" + e.Code + "]: " + e.Message
}

// apiErrorWrapper matches the API error envelope.
type apiErrorWrapper struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: string(body)}

	var wrapper apiErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Code != "" {
		apiErr.Code = wrapper.Error.Code
		apiErr.Message = wrapper.Error.Message
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimited reports a 429 rejection
func IsRateLimited(err error) bool {
	apiErr, ok := IsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsLocked reports a 423 rejection
func IsLocked(err error) bool {
	apiErr, ok := IsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusLocked
}
