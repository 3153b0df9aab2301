package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Upstream client error kinds. An *APIError always unwraps to exactly one of
// these, so callers match with errors.Is.
var (
	ErrLocationNotProvided = errors.New("location not provided")
	ErrLocationNotFound    = errors.New("location not found")
	ErrTokenNotProvided    = errors.New("api token not provided")
	ErrTokenLimitExceeded  = errors.New("api token quota exceeded")
	ErrDisabledToken       = errors.New("api token disabled")
	ErrInvalidToken        = errors.New("api token invalid")
	ErrAccessDenied        = errors.New("access denied")
	ErrInvalidURL          = errors.New("invalid request url")
	ErrInvalidJSONBody     = errors.New("invalid json body")
	ErrTooManyLocations    = errors.New("too many locations")
	ErrExternalAPI         = errors.New("external api error")
	ErrUnknownUpstream     = errors.New("unknown upstream error")
)

var (
	ErrUpstreamServer = errors.New("upstream server error")
	ErrResponseBody   = errors.New("response body processing failed")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrRateLimited    = errors.New("rate limited")
)

// apiErrorCodes maps WeatherAPI error codes to error kinds.
var apiErrorCodes = map[int]error{
	1002: ErrTokenNotProvided,
	1003: ErrLocationNotProvided,
	1005: ErrInvalidURL,
	1006: ErrLocationNotFound,
	2006: ErrInvalidToken,
	2007: ErrTokenLimitExceeded,
	2008: ErrDisabledToken,
	2009: ErrAccessDenied,
	9000: ErrInvalidJSONBody,
	9001: ErrTooManyLocations,
	9999: ErrExternalAPI,
}

// APIError is a 4xx response carrying an upstream error code.
type APIError struct {
	Kind       error
	Code       int
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("weatherapi: %v (code %d, HTTP %d)", e.Kind, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("weatherapi: %v (code %d, HTTP %d): %s", e.Kind, e.Code, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// classifyAPIError looks the code up in the fixed table. Unlisted codes map to
// ErrUnknownUpstream and keep the raw code.
func classifyAPIError(statusCode, code int, message string) *APIError {
	kind, ok := apiErrorCodes[code]
	if !ok {
		kind = ErrUnknownUpstream
	}
	return &APIError{Kind: kind, Code: code, Message: message, StatusCode: statusCode}
}

// ServerError is any 5xx response. The body is never inspected.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("weatherapi: %v: HTTP %d", ErrUpstreamServer, e.StatusCode)
}

func (e *ServerError) Unwrap() error { return ErrUpstreamServer }

// DecodeError is returned when a response body does not have the expected
// shape. Body holds the raw payload for diagnostics.
type DecodeError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("weatherapi: %v (HTTP %d): %v", ErrResponseBody, e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrResponseBody, e.Err} }

// Stable labels for metrics and logs.
var errorLabels = map[error]string{
	ErrLocationNotProvided: "location_not_provided",
	ErrLocationNotFound:    "location_not_found",
	ErrTokenNotProvided:    "token_not_provided",
	ErrTokenLimitExceeded:  "token_limit_exceeded",
	ErrDisabledToken:       "disabled_token",
	ErrInvalidToken:        "invalid_token",
	ErrAccessDenied:        "access_denied",
	ErrInvalidURL:          "invalid_url",
	ErrInvalidJSONBody:     "invalid_json_body",
	ErrTooManyLocations:    "too_many_locations",
	ErrExternalAPI:         "external_api_error",
	ErrUnknownUpstream:     "unknown_upstream_error",
	ErrUpstreamServer:      "upstream_5xx",
	ErrResponseBody:        "parsing",
	ErrCircuitOpen:         "circuit_open",
	ErrRateLimited:         "rate_limited",
}

// CategorizeError maps a gateway error to a stable label.
func CategorizeError(err error) string {
	if err == nil {
		return "success"
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errorLabels[apiErr.Kind]
	}
	for kind, label := range errorLabels {
		if errors.Is(err, kind) {
			return label
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	if strings.Contains(err.Error(), "timeout") {
		return "timeout"
	}
	return "network"
}
