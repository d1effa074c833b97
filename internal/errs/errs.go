// Package errs defines the error taxonomy shared across the execution
// substrate: a small set of codes, each carrying the HTTP/SSE status it
// maps to, so every component reports failures the same way.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the fixed error codes surfaced on SSE `error` events and
// REST responses.
type Code string

const (
	NotFound           Code = "NOT_FOUND"
	Validation         Code = "VALIDATION_ERROR"
	InactiveResource   Code = "INACTIVE_RESOURCE"
	Security           Code = "SECURITY_ERROR"
	PathTraversal      Code = "PATH_TRAVERSAL"
	ConversationLocked Code = "CONVERSATION_LOCKED"
	FileSizeExceeded   Code = "FILE_SIZE_EXCEEDED"
	SDKError           Code = "SDK_ERROR"
	Internal           Code = "INTERNAL_ERROR"
	Timeout            Code = "TIMEOUT"
	ContainerCrashed   Code = "CONTAINER_CRASHED"
)

// Category groups codes by the taxonomy in the error-handling design: each
// category carries its own retry and HTTP-status policy.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthorization  Category = "authorization"
	CategoryConflict       Category = "conflict"
	CategoryNotFound       Category = "not_found"
	CategoryResourceLimit  Category = "resource_limit"
	CategoryInfrastructure Category = "infrastructure"
	CategoryAgent          Category = "agent"
	CategoryTimeout        Category = "timeout"
	CategoryCrash          Category = "crash"
)

// Error is the structured error value passed between components and
// rendered both as an SSE `error` payload and a REST error body.
type Error struct {
	Code     Code
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps a code to the status the REST/SSE surface returns.
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryConflict:
		return http.StatusConflict
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryResourceLimit:
		return http.StatusRequestEntityTooLarge
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryInfrastructure, CategoryAgent, CategoryCrash:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, category Category, msg string) *Error {
	return &Error{Code: code, Category: category, Message: msg}
}

func Wrap(code Code, category Category, msg string, err error) *Error {
	return &Error{Code: code, Category: category, Message: msg, Err: err}
}

// As is a thin wrapper over errors.As for the common case of pulling an
// *Error out of a wrapped error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func NotFoundf(format string, a ...any) *Error {
	return New(NotFound, CategoryNotFound, fmt.Sprintf(format, a...))
}

func Validationf(format string, a ...any) *Error {
	return New(Validation, CategoryValidation, fmt.Sprintf(format, a...))
}

func PathTraversalf(format string, a ...any) *Error {
	return New(PathTraversal, CategoryAuthorization, fmt.Sprintf(format, a...))
}

func Lockedf(format string, a ...any) *Error {
	return New(ConversationLocked, CategoryConflict, fmt.Sprintf(format, a...))
}

func FileTooLargef(format string, a ...any) *Error {
	return New(FileSizeExceeded, CategoryResourceLimit, fmt.Sprintf(format, a...))
}

func Infra(msg string, err error) *Error {
	return Wrap(SDKError, CategoryInfrastructure, msg, err)
}

func Internalf(format string, a ...any) *Error {
	return New(Internal, CategoryInfrastructure, fmt.Sprintf(format, a...))
}
