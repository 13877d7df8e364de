package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps dial and handshake-level failures. These trigger reconnects.
	ErrTransport = errors.New("gateway: transport error")
	// ErrNotConnected is returned for calls made while the socket is down.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrNotAuthenticated is returned for calls made before the handshake succeeds.
	ErrNotAuthenticated = errors.New("gateway: not authenticated")
	// ErrAuthRejected reports a negative connect response.
	ErrAuthRejected = errors.New("gateway: authentication rejected")
	// ErrRequestTimeout is returned when no terminal response arrives in time.
	ErrRequestTimeout = errors.New("gateway: request timeout")
	// ErrConnectionClosed rejects calls still pending when Disconnect is called.
	ErrConnectionClosed = errors.New("gateway: connection closed")
	// ErrDuplicateKey means a correlation key is already in flight.
	ErrDuplicateKey = errors.New("gateway: duplicate correlation key")
)

// RemoteError is an explicit failure reported by the gateway.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway: remote error: %s", e.Message)
	}
	return fmt.Sprintf("gateway: remote error %s: %s", e.Code, e.Message)
}

func remoteErrorFrom(shape *ErrorShape, fallback string) *RemoteError {
	if shape == nil {
		return &RemoteError{Message: fallback}
	}
	msg := shape.Message
	if msg == "" {
		msg = fallback
	}
	return &RemoteError{Code: shape.Code, Message: msg}
}
