package dispatch

import (
	"encoding/json"
	"net/http"
)

// errorBody is the Anthropic-shaped failure envelope returned for proxy-side
// errors: {"type":"error","error":{"type":...,"message":...}}.
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorType maps an HTTP status to the Anthropic wire error type.
func errorType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// WriteError writes a proxy-side failure in the client wire shape.
func WriteError(w http.ResponseWriter, status int, msg string) {
	var body errorBody
	body.Type = "error"
	body.Error.Type = errorType(status)
	body.Error.Message = msg

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
