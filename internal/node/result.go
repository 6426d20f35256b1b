package node

import (
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Result is the uniform outcome of a node execution. Every result carries
// the keys "success", "error", and "error_type"; variants add their own
// payload keys next to them.
type Result map[string]any

// OK builds a successful result with the given payload fields.
func OK(fields map[string]any) Result {
	r := Result{
		"success":    true,
		"error":      nil,
		"error_type": nil,
	}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Fail builds a failed result carrying a taxonomy error type and message.
func Fail(et protocol.ErrorType, msg string) Result {
	return Result{
		"success":    false,
		"error":      msg,
		"error_type": string(et),
	}
}

// FailErr is Fail with the message taken from err.
func FailErr(et protocol.ErrorType, err error) Result {
	return Fail(et, err.Error())
}

// With returns the result with an extra payload field set.
func (r Result) With(key string, value any) Result {
	r[key] = value
	return r
}

// WithFields returns the result with every given payload field set.
func (r Result) WithFields(fields map[string]any) Result {
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Succeeded reports whether the result's success flag is true.
func (r Result) Succeeded() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ErrType returns the taxonomy error type, or "" for successful results.
func (r Result) ErrType() protocol.ErrorType {
	s, _ := r["error_type"].(string)
	return protocol.ErrorType(s)
}

// ErrMsg returns the error message, or "" for successful results.
func (r Result) ErrMsg() string {
	s, _ := r["error"].(string)
	return s
}

// Str returns the string payload field under key, or "".
func (r Result) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns the integer payload field under key, tolerating the numeric
// types a JSON round trip produces.
func (r Result) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
