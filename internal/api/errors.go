package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/gosocial/internal/database"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
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

func newApiError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed)
}

// fromStoreError maps repository sentinel errors onto their HTTP equivalents.
func fromStoreError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrAlreadyExists):
		return NewConflictError()
	default:
		return NewInternalServerError(err)
	}
}
