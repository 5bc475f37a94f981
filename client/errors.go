package client

import (
	"errors"
	"fmt"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusNotFound            = 404
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error is returned or reported by the socket and its channels.
type Error struct {
	Topic     string      `json:"topic,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("Error in Channel %s: %s (code: %d)", e.Topic, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

// IsTemporary reports whether err is a client error worth retrying.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Topic:     e.Topic,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func badRequest(topic, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusBadRequest,
		Topic:   topic,
	}
}

func badFrame(message string) *Error {
	return badRequest("", "malformed frame: "+message)
}

func unavailable(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		Topic:     topic,
		Temporary: true,
	}
}
