// Package api serves the bridge's HTTP surface.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

// Error codes
const (
	ErrNotConnected      = "NOT_CONNECTED"
	ErrInvalidPhone      = "INVALID_PHONE"
	ErrInvalidInput      = "INVALID_INPUT"
	ErrAlreadyRegistered = "ALREADY_REGISTERED"
	ErrPairingFailed     = "PAIRING_FAILED"
	ErrSendFailed        = "SEND_FAILED"
	ErrNotFound          = "NOT_FOUND"
	ErrInternal          = "INTERNAL_ERROR"
)

// APIError represents a structured error for HTTP responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Retry   bool   `json:"retry"`

	status int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status the error is served with.
func (e *APIError) StatusCode() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// NewNotConnectedError creates an error for when the session is not open.
func NewNotConnectedError(state string) *APIError {
	return &APIError{
		Code:    ErrNotConnected,
		Message: fmt.Sprintf("WhatsApp is not connected, current status: %s", state),
		Retry:   true,
		status:  http.StatusServiceUnavailable,
	}
}

// NewInvalidPhoneError creates an error for an unusable phone number or JID.
func NewInvalidPhoneError(message string) *APIError {
	return &APIError{
		Code:    ErrInvalidPhone,
		Message: message,
		status:  http.StatusBadRequest,
	}
}

// NewInvalidInputError creates an error for invalid input.
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Code:    ErrInvalidInput,
		Message: message,
		status:  http.StatusBadRequest,
	}
}

// NewPairingFailedError creates an error for a pairing code that could not be issued.
func NewPairingFailedError(err error) *APIError {
	return &APIError{
		Code:    ErrPairingFailed,
		Message: err.Error(),
		Retry:   true,
		status:  http.StatusBadGateway,
	}
}

// NewSendFailedError creates an error for failed message sending.
func NewSendFailedError(err error) *APIError {
	return &APIError{
		Code:    ErrSendFailed,
		Message: fmt.Sprintf("Failed to send message: %s", err.Error()),
		Retry:   true,
		status:  http.StatusInternalServerError,
	}
}

// NewNotFoundError creates an error for not found resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("Resource not found: %s", resource),
		status:  http.StatusNotFound,
	}
}

// NewInternalError creates an error for internal errors.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:    ErrInternal,
		Message: fmt.Sprintf("Internal error: %s", err.Error()),
		status:  http.StatusInternalServerError,
	}
}

// sendError maps a send failure from the manager to an APIError.
func sendError(err error, status bridge.Status) *APIError {
	switch {
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, whatsapp.ErrNotConnected):
		return NewNotConnectedError(status.Status.String())
	case errors.Is(err, whatsapp.ErrInvalidRecipient):
		return NewInvalidPhoneError(err.Error())
	case errors.Is(err, whatsapp.ErrEmptyDocument):
		return NewInvalidInputError(err.Error())
	default:
		return NewSendFailedError(err)
	}
}

func lookupError(err error, resource string) *APIError {
	if errors.Is(err, store.ErrNotFound) {
		return NewNotFoundError(resource)
	}
	return NewInternalError(err)
}
