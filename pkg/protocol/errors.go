package protocol

import "net/http"

// ErrorType classifies a failed operation. Values appear verbatim in the
// error_type field of responses, results, and error events.
type ErrorType string

const (
	// ErrNodeStopped - operation attempted on a stopped or not-yet-started node.
	ErrNodeStopped ErrorType = "node_stopped"
	// ErrTimeout - operation exceeded its time budget.
	ErrTimeout ErrorType = "timeout"
	// ErrInterrupted - caller or user cancelled.
	ErrInterrupted ErrorType = "interrupted"
	// ErrInvalidRequest - missing or invalid parameters, unresolvable references.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrAuthentication - upstream rejected credentials.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrPermission - insufficient permission, generally upstream.
	ErrPermission ErrorType = "permission_error"
	// ErrRateLimit - upstream throttle.
	ErrRateLimit ErrorType = "rate_limit_error"
	// ErrAPI - upstream 5xx or protocol violation.
	ErrAPI ErrorType = "api_error"
	// ErrNetwork - transport failure reaching upstream.
	ErrNetwork ErrorType = "network_error"
	// ErrProcess - child process exited non-zero or crashed.
	ErrProcess ErrorType = "process_error"
	// ErrNotImplemented - operation not supported by the node variant.
	ErrNotImplemented ErrorType = "not_implemented"
	// ErrInternal - unexpected failure inside the server.
	ErrInternal ErrorType = "internal_error"
)

// Transient reports whether a failure of this type is worth retrying.
// Rate limits, upstream 5xx, and transport failures are transient;
// everything else is final.
func (e ErrorType) Transient() bool {
	switch e {
	case ErrRateLimit, ErrAPI, ErrNetwork:
		return true
	}
	return false
}

// ErrorTypeFromStatus maps an upstream HTTP status code to an error type.
func ErrorTypeFromStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthentication
	case status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status >= 500:
		return ErrAPI
	case status >= 400:
		return ErrInvalidRequest
	}
	return ErrAPI
}
