package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind tags the variant of a runtime error
type Kind string

const (
	// KindNetwork is a transport failure: refused, reset, DNS
	KindNetwork Kind = "network"
	// KindAPI is a structured error body returned by the worker runtime
	KindAPI Kind = "api"
	// KindPlain is a bare string error
	KindPlain Kind = "plain"
	// KindTimeout is a deadline or cancellation
	KindTimeout Kind = "timeout"
	// KindUnknown is anything else
	KindUnknown Kind = "unknown"
)

// Error is the normalised form of every failure surfaced by a worker runtime
type Error struct {
	Kind Kind
	// Name is the error class reported by the runtime, if any
	Name string
	// Message is the primary human readable text
	Message string
	// Detail is the nested data message of structured API errors
	Detail string
	// Status is the HTTP status code for API errors
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" && e.Detail != msg {
		if msg == "" {
			msg = e.Detail
		} else {
			msg = msg + ": " + e.Detail
		}
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a deadline or cancellation
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// APIErrorBody is the structured error shape returned by the worker runtime.
// Either Message or Data.Message may be populated.
type APIErrorBody struct {
	Name    string       `json:"name,omitempty"`
	Message string       `json:"message,omitempty"`
	Data    APIErrorData `json:"data,omitempty"`
}

// APIErrorData holds the nested error detail
type APIErrorData struct {
	Message string `json:"message,omitempty"`
}

// Normalize converts any error shape into an *Error. It returns nil for nil.
func Normalize(v any) *Error {
	switch e := v.(type) {
	case nil:
		return nil
	case *Error:
		return e
	case *APIErrorBody:
		if e == nil {
			return nil
		}
		return fromBody(*e, 0)
	case APIErrorBody:
		return fromBody(e, 0)
	case string:
		return &Error{Kind: KindPlain, Message: e}
	case map[string]any:
		return fromMap(e)
	case error:
		return fromError(e)
	case fmt.Stringer:
		return &Error{Kind: KindUnknown, Message: e.String()}
	default:
		return &Error{Kind: KindUnknown, Message: fmt.Sprintf("%v", v)}
	}
}

// ErrorText returns the human readable text of any error shape
func ErrorText(v any) string {
	if e := Normalize(v); e != nil {
		return e.Error()
	}
	return ""
}

// IsTimeout reports whether err is, or wraps, a timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func fromBody(b APIErrorBody, status int) *Error {
	return &Error{
		Kind:    KindAPI,
		Name:    b.Name,
		Message: b.Message,
		Detail:  b.Data.Message,
		Status:  status,
	}
}

func fromMap(m map[string]any) *Error {
	e := &Error{Kind: KindAPI}
	if s, ok := m["name"].(string); ok {
		e.Name = s
	}
	if s, ok := m["message"].(string); ok {
		e.Message = s
	}
	if data, ok := m["data"].(map[string]any); ok {
		if s, ok := data["message"].(string); ok {
			e.Detail = s
		}
	}
	if e.Message == "" && e.Detail == "" {
		e.Kind = KindUnknown
		e.Message = fmt.Sprintf("%v", m)
	}
	return e
}

func fromError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// IsTerminal reports whether the error text says the session is gone
func IsTerminal(v any) bool {
	msg := strings.ToLower(ErrorText(v))
	return strings.Contains(msg, "not found") || strings.Contains(msg, "closed")
}
