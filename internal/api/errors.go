package api

import (
	"encoding/json"
	"fmt"
)

// BackendError is a non-2xx response from the backend. Message carries the
// server's own error text when the body included one.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

// decodeError builds a BackendError from a failed response body. A body
// without a parseable error field yields the generic message.
func decodeError(status int, body []byte) *BackendError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &BackendError{Status: status, Message: payload.Error}
	}
	return &BackendError{Status: status, Message: fmt.Sprintf("server error: %d", status)}
}
