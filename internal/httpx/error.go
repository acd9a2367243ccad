package httpx

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// Error is an HTTP error carrying the status it should produce. It renders
// as {"error": message}.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

func BadRequest(message string) *Error {
	return NewError(http.StatusBadRequest, message)
}

func NotFound(message string) *Error {
	return NewError(http.StatusNotFound, message)
}

func Conflict(message string) *Error {
	return NewError(http.StatusConflict, message)
}

func BadGateway(message string) *Error {
	return NewError(http.StatusBadGateway, message)
}

func Internal(message string) *Error {
	return NewError(http.StatusInternalServerError, message)
}

// WriteError renders err as a JSON error body, logging the failed request.
// Errors that are not *Error become 500s with their message intact.
func WriteError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal(err.Error())
	}
	logger.Warn().Int("status", apiErr.Status).Str("message", apiErr.Message).Msg("request failed")
	WriteJSON(w, apiErr.Status, map[string]string{"error": apiErr.Message})
}
