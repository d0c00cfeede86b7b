package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned for requests issued on, or pending in, a
	// channel whose byte stream has ended.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMessageTooLong is returned when the serialized control message
	// exceeds the frame limit. Nothing is written.
	ErrMessageTooLong = errors.New("message too long")
	// ErrPayloadTooLong is returned when a binary payload exceeds the payload
	// frame limit. Nothing is written.
	ErrPayloadTooLong = errors.New("payload too long")
	// ErrTimedOut is returned when no response arrives in time.
	ErrTimedOut = errors.New("request timed out")
	// ErrNoData is returned when a body was expected but the response had none.
	ErrNoData = errors.New("response has no data")
)

// ResponseError is a failure reported by the worker.
type ResponseError struct {
	Kind   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Kind == "" {
		return "request failed: " + e.Reason
	}
	return fmt.Sprintf("request failed: %s: %s", e.Kind, e.Reason)
}

// ParseError is returned when a response body cannot be decoded locally.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "failed to parse response: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RequestError attaches the method name to a request failure.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	return e.Method + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
