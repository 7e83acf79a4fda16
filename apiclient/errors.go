package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized matches any *APIError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx answer from a platform service.
type APIError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func newAPIError(service, method, path string, status int, body []byte) *APIError {
	e := &APIError{
		Service:    service,
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       body,
	}
	var payload struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Error
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.ErrorDescription
		}
	}
	return e
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}
