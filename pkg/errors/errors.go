package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to REST
// consumers (StatusCode) or used to close a WebSocket connection
// (CloseCode, spec §7).
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	CloseCode  int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific
// message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// WebSocket close codes used across the relay's four endpoints (spec §4.4, §7).
const (
	CloseBadRequest       = 4400
	CloseUnauthenticated  = 4401
	CloseForbidden        = 4403
	CloseNotFound         = 4404
	CloseSetupTimeout     = 4408
	CloseAlreadyConnected = 4409
	CloseNormal           = 1000
	CloseSlowConsumer     = 1011
)

// Common errors exposed to the rest of the application. Each maps to both
// an HTTP status (used by REST endpoints such as /health) and a WebSocket
// close code (used by the producer-control/producer-data/viewer/room
// endpoints).
var (
	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
		CloseCode:  CloseBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
		CloseCode:  CloseSlowConsumer,
	}

	// ErrSessionNotFound: viewer or room refers to a session/terminal that
	// does not exist in the registry.
	ErrSessionNotFound = &AppError{
		Code:       "SESSION_NOT_FOUND",
		Message:    "session or terminal not found",
		StatusCode: http.StatusNotFound,
		CloseCode:  CloseNotFound,
	}

	// ErrSessionNotReady: a viewer arrived but the session has no live
	// producer control connection yet.
	ErrSessionNotReady = &AppError{
		Code:       "SESSION_NOT_READY",
		Message:    "session has no live producer control connection",
		StatusCode: http.StatusConflict,
		CloseCode:  CloseBadRequest,
	}

	// ErrAlreadyConnected: a second producer control attempt while one is live.
	ErrAlreadyConnected = &AppError{
		Code:       "SESSION_ALREADY_CONNECTED",
		Message:    "a producer control channel is already connected",
		StatusCode: http.StatusConflict,
		CloseCode:  CloseAlreadyConnected,
	}

	// ErrNotOwner: a reattaching producer's subject does not match owner.
	ErrNotOwner = &AppError{
		Code:       "NOT_OWNER",
		Message:    "producer subject does not match the session owner",
		StatusCode: http.StatusForbidden,
		CloseCode:  CloseForbidden,
	}

	// ErrUnauthenticated: missing or invalid bearer credential on control.
	ErrUnauthenticated = &AppError{
		Code:       "UNAUTHENTICATED",
		Message:    "missing or invalid bearer credential",
		StatusCode: http.StatusUnauthorized,
		CloseCode:  CloseUnauthenticated,
	}

	// ErrSetupTimeout: viewer never sent its setup frame within the window.
	ErrSetupTimeout = &AppError{
		Code:       "SETUP_TIMEOUT",
		Message:    "viewer did not send a setup message in time",
		StatusCode: http.StatusRequestTimeout,
		CloseCode:  CloseSetupTimeout,
	}

	// ErrInvalidMessage: a single malformed frame (logged and dropped, not
	// necessarily closed).
	ErrInvalidMessage = &AppError{
		Code:       "INVALID_MESSAGE",
		Message:    "malformed or unknown frame",
		StatusCode: http.StatusBadRequest,
		CloseCode:  CloseBadRequest,
	}

	// ErrInvalidSetup: the first viewer frame was not a well-formed setup.
	ErrInvalidSetup = &AppError{
		Code:       "INVALID_SETUP",
		Message:    "first viewer message must be a valid setup request",
		StatusCode: http.StatusBadRequest,
		CloseCode:  CloseBadRequest,
	}

	// ErrSpawnFailure: a start_terminal request could not be delivered to the
	// producer. A producer-reported spawn failure reaches the viewer as its
	// setup response carrying the producer's own error string.
	ErrSpawnFailure = &AppError{
		Code:       "SPAWN_FAILURE",
		Message:    "producer failed to start terminal",
		StatusCode: http.StatusBadGateway,
		CloseCode:  CloseBadRequest,
	}

	// ErrSlowConsumer: a viewer's outbound queue overflowed.
	ErrSlowConsumer = &AppError{
		Code:       "SLOW_CONSUMER",
		Message:    "client is not draining its output queue fast enough",
		StatusCode: http.StatusRequestTimeout,
		CloseCode:  CloseSlowConsumer,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode, closeCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		CloseCode:  closeCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		CloseCode:  CloseSlowConsumer,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
		CloseCode:  ErrBadRequest.CloseCode,
	}
}
