// Package jsonrpc provides the JSON-RPC 2.0 types shared by the gateway
// endpoint and the upstream transports.
package jsonrpc

import "encoding/json"

// Version is the protocol version string carried by every message.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request. A nil ID marks a notification.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewRequest creates a request with a numeric ID and marshaled params.
// Params may be nil.
func NewRequest(id int64, method string, params any) (Request, error) {
	rawID := json.RawMessage(marshalID(id))
	req := Request{
		JSONRPC: Version,
		ID:      &rawID,
		Method:  method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = p
	}
	return req, nil
}

// NewNotification creates a request without an ID.
func NewNotification(method string, params any) (Request, error) {
	req := Request{
		JSONRPC: Version,
		Method:  method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = p
	}
	return req, nil
}

// NewErrorResponse creates a JSON-RPC error response.
func NewErrorResponse(id *json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewSuccessResponse creates a JSON-RPC success response.
func NewSuccessResponse(id *json.RawMessage, result any) Response {
	var resultBytes json.RawMessage
	if result != nil {
		resultBytes, _ = json.Marshal(result)
	}
	return Response{
		JSONRPC: Version,
		ID:      id,
		Result:  resultBytes,
	}
}

func marshalID(id int64) []byte {
	b, _ := json.Marshal(id)
	return b
}
