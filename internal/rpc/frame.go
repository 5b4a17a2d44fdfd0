// Package rpc carries request/response frames over a WebSocket connection.
//
// Every WebSocket binary message holds exactly one JSON frame:
//
//	{"kind":"request","id":7,"method":"search","params":{"q":"fn main","limit":10,"offset":0}}
//	{"kind":"response","id":7,"result":{"num_hits":0,"hits":[]}}
//	{"kind":"cancel","id":7}
//
// Ids are chosen by the caller and only need to be unique among its own
// in-flight requests. Responses may arrive in any order.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates frames
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindCancel   Kind = "cancel"
)

// Error codes carried in response frames
const (
	CodeMethodNotFound = "method_not_found"
	CodeInvalidParams  = "invalid_params"
	CodeInternal       = "internal"
)

// Frame is the unit exchanged on the wire
type Frame struct {
	Kind   Kind            `json:"kind"`
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the remote side of a call
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error [%s]: %s", e.Code, e.Message)
}

// Errorf builds an *Error
func Errorf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest creates a request frame, encoding params as JSON
func NewRequest(id uint64, method string, params any) (*Frame, error) {
	raw, err := encode(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
	}
	return &Frame{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse creates a successful response frame. A nil result is omitted.
func NewResponse(id uint64, result any) (*Frame, error) {
	raw, err := encode(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Frame{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse creates a failed response frame
func NewErrorResponse(id uint64, err *Error) *Frame {
	return &Frame{Kind: KindResponse, ID: id, Error: err}
}

// NewCancel asks the peer to abandon request id
func NewCancel(id uint64) *Frame {
	return &Frame{Kind: KindCancel, ID: id}
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (f *Frame) validate() error {
	switch f.Kind {
	case KindRequest:
		if f.Method == "" {
			return fmt.Errorf("request %d has no method", f.ID)
		}
	case KindResponse, KindCancel:
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return nil
}
