package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JrmLg/hermes-back/internal/chat"
	"github.com/JrmLg/hermes-back/internal/validation"
)

type ApiError struct {
	StatusCode int                     `json:"status_code"`
	Message    string                  `json:"message"`
	Errors     []validation.FieldError `json:"errors,omitempty"`
	Err        error                   `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError(fields ...validation.FieldError) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
		Errors:     fields,
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

// fromServiceError maps a chat service error to the response sent to the
// client. Internal failures carry no detail beyond the status text.
func fromServiceError(err error) *ApiError {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewBadRequestError(verr.Fields...)
	case errors.Is(err, chat.ErrForbidden):
		return NewForbiddenError()
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrPatientNotFound):
		return NewNotFoundError()
	default:
		return NewInternalServerError(err)
	}
}
