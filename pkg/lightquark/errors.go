// Copyright 2024-2026 Aiku AI

package lightquark

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth marks a failed credential exchange or identity fetch.
	ErrAuth = errors.New("lightquark authentication failed")
	// ErrTransport marks a gateway dial, read or write failure.
	ErrTransport = errors.New("lightquark gateway transport error")
	// ErrDelivery marks a failed message post.
	ErrDelivery = errors.New("lightquark message delivery failed")
	// ErrGatewayClosed is returned by Gateway.Run under the exit policy once
	// the connection closes.
	ErrGatewayClosed = errors.New("lightquark gateway connection closed")
	// ErrReconnectExhausted is returned by Gateway.Run when the configured
	// number of consecutive reconnect attempts has failed.
	ErrReconnectExhausted = errors.New("lightquark gateway reconnect attempts exhausted")
)

// APIError is a non-2xx response from the Equinox REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
