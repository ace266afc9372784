package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func newAPIError(statusCode int, message string) *APIError {
	if message == "" {
		message = strings.ToLower(http.StatusText(statusCode))
	}

	return &APIError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is an APIError with a 401 status.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
