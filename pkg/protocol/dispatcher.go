package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Handler is the interface for command handlers.
type Handler interface {
	// Handle processes a command and returns a response. An error return is
	// reserved for cancellation and transport-level failures; domain failures
	// are encoded in the response.
	Handle(ctx context.Context, cmd *Command) (*Response, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, cmd *Command) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, cmd *Command) (*Response, error) {
	return f(ctx, cmd)
}

// Dispatcher routes commands to handlers by command type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new command dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a command type.
func (d *Dispatcher) Register(cmdType string, handler Handler) {
	d.handlers[cmdType] = handler
}

// RegisterFunc registers a handler function for a command type.
func (d *Dispatcher) RegisterFunc(cmdType string, handler HandlerFunc) {
	d.handlers[cmdType] = handler
}

// Dispatch routes a command to its handler. Unknown command types produce an
// invalid_request_error response. Cancellation is propagated as an error so
// the transport layer sees it; any other handler error is mapped to an
// internal_error response.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (resp *Response, err error) {
	handler, ok := d.handlers[cmd.Type]
	if !ok {
		return ErrorResponse(cmd.RequestID, ErrInvalidRequest,
			"unknown command type: "+cmd.Type), nil
	}

	// A panicking handler must not take the server down. The panic surfaces
	// to the caller as an internal_error response.
	defer func() {
		if r := recover(); r != nil {
			resp = ErrorResponse(cmd.RequestID, ErrInternal,
				fmt.Sprintf("Internal: handler panic: %v", r))
			err = nil
		}
	}()

	resp, err = handler.Handle(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return ErrorResponse(cmd.RequestID, ErrInternal, "Internal: "+err.Error()), nil
	}
	return resp, nil
}

// HasHandler returns true if a handler is registered for the command type.
func (d *Dispatcher) HasHandler(cmdType string) bool {
	_, ok := d.handlers[cmdType]
	return ok
}
