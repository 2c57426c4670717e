package shared

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrNotConnected      = errors.New("transport not connected")
	ErrSpeechUnavailable = errors.New("speech synthesis unavailable")
	ErrDevicePreempted   = errors.New("speech device preempted by another session")
	ErrCameraUnavailable = errors.New("camera device unavailable")
	ErrPermissionDenied  = errors.New("camera permission denied")
)

// PermissionError reports that the camera could not be acquired. The session
// cannot start and nothing retries on its own.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// TransportError covers connect failures, mid-session drops and rejected sends.
// Status is the HTTP status for split-channel sends and 0 otherwise.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a single inbound payload that could not be parsed.
type DecodeError struct {
	Source  string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const maxDecodeSample = 120

func NewDecodeError(source string, payload []byte, err error) *DecodeError {
	sample := string(payload)
	if len(sample) > maxDecodeSample {
		sample = sample[:maxDecodeSample] + "..."
	}
	return &DecodeError{Source: source, Payload: sample, Err: err}
}

func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

type APIError struct {
	Code    string `json:"code" example:"invalid_request"`
	Message string `json:"message" example:"Invalid request body"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func Forbidden(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusForbidden)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func Conflict(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusConflict)
}

func BadGateway(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadGateway)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
