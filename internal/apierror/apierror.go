// Package apierror provides the JSON error envelope used by every telemock
// endpoint that can fail. The canned telemetry response never goes through
// here; only the proxy, the admin API and method checks do.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes. Clients and test harnesses match on these; do not rename.
const (
	NotFound              ErrorCode = "TELEMOCK_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "TELEMOCK_METHOD_NOT_ALLOWED"
	UpstreamUnavailable   ErrorCode = "TELEMOCK_UPSTREAM_UNAVAILABLE"
	RequestCancelled      ErrorCode = "TELEMOCK_REQUEST_CANCELLED"
	BadRequest            ErrorCode = "TELEMOCK_BAD_REQUEST"
	Forbidden             ErrorCode = "TELEMOCK_FORBIDDEN"
	AuthMissingToken      ErrorCode = "TELEMOCK_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "TELEMOCK_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "TELEMOCK_AUTH_INSUFFICIENT_SCOPE"
	CaptureNotFound       ErrorCode = "TELEMOCK_CAPTURE_NOT_FOUND"
	CaptureUnavailable    ErrorCode = "TELEMOCK_CAPTURE_UNAVAILABLE"
	InternalError         ErrorCode = "TELEMOCK_INTERNAL_ERROR"
)

// Codes lists every defined error code.
var Codes = []ErrorCode{
	NotFound, MethodNotAllowed, UpstreamUnavailable, RequestCancelled,
	BadRequest, Forbidden, AuthMissingToken, AuthInvalidToken,
	AuthInsufficientScope, CaptureNotFound, CaptureUnavailable, InternalError,
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the errors the proxy and admin guard emit most.
// These do NOT include request_id since it varies per request.
var (
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable")
	preMethodNotAllowed    = mustMarshal(http.StatusMethodNotAllowed, MethodNotAllowed, "method not allowed")
	preAuthMissingToken    = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preForbidden           = mustMarshal(http.StatusForbidden, Forbidden, "forbidden")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request ID is taken
// from the X-Request-ID response header set by the request ID middleware,
// falling back to the request header. r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" && r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream service unavailable":
		return preUpstreamUnavailable
	case code == MethodNotAllowed && status == http.StatusMethodNotAllowed && message == "method not allowed":
		return preMethodNotAllowed
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == Forbidden && status == http.StatusForbidden && message == "forbidden":
		return preForbidden
	}
	return nil
}
