// Package gateway owns the websocket sessions of connected agents and routes
// their control-plane messages.
package gateway

import (
	"fmt"
	"net/http"

	"github.com/hetuflow/hetuflow/pkg/response"
)

type ErrorKind string

const (
	KindConnectionNotFound   ErrorKind = "connection_not_found"
	KindAsyncQueue           ErrorKind = "async_queue_error"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindMessageRoutingFailed ErrorKind = "message_routing_failed"
	KindSerialization        ErrorKind = "serialization"
	KindDatabase             ErrorKind = "database"
)

// GatewayError is returned by every gateway operation that fails.
type GatewayError struct {
	Kind    ErrorKind
	AgentID string
	Message string
	Err     error
}

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrConnectionNotFound   = &GatewayError{Kind: KindConnectionNotFound}
	ErrAsyncQueue           = &GatewayError{Kind: KindAsyncQueue}
	ErrAuthenticationFailed = &GatewayError{Kind: KindAuthenticationFailed}
	ErrMessageRoutingFailed = &GatewayError{Kind: KindMessageRoutingFailed}
	ErrSerialization        = &GatewayError{Kind: KindSerialization}
	ErrDatabase             = &GatewayError{Kind: KindDatabase}
)

func newError(kind ErrorKind, agentID string, err error, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Kind: kind, AgentID: agentID, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *GatewayError) Error() string {
	msg := string(e.Kind)
	if e.AgentID != "" {
		msg += " [agent " + e.AgentID + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Kind == e.Kind
}

// ToAppError converts the error into the HTTP error returned to API callers.
func (e *GatewayError) ToAppError() *response.AppError {
	status := http.StatusInternalServerError
	switch e.Kind {
	case KindConnectionNotFound:
		status = http.StatusNotFound
	case KindAsyncQueue:
		status = http.StatusServiceUnavailable
	case KindAuthenticationFailed:
		status = http.StatusUnauthorized
	case KindSerialization:
		status = http.StatusBadRequest
	}
	return response.Wrap(status, e.Error(), e)
}
