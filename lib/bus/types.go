package bus

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700 // Invalid JSON received by server
	ErrCodeInvalidRequest = -32600 // JSON is not a valid Request object
	ErrCodeMethodNotFound = -32601 // Method does not exist on the object
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	// Implementation-defined codes in the -32000 to -32099 range
	ErrCodeFailed        = -32000 // The operation failed
	ErrCodeAccessDenied  = -32001 // Caller may not perform the operation
	ErrCodeUnknownObject = -32002 // No object is registered at the path
	ErrCodeRateLimited   = -32003 // Peer exceeded its request rate
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// Request is a method call addressed to the object at Path.
//
// A Request without an ID is a notification and gets no response. Path
// defaults to the root object "/".
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Path    string          `json:"path,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Either Result or Error is set, never both.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// Signal is pushed by the server to every peer subscribed to Path.
type Signal struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object. It implements error so handlers can
// return it directly.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("bus error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("bus error %d: %s", e.Code, e.Message)
}

// ParseRequest parses one request line.
//
// Validation performed:
//   - Valid JSON structure
//   - "jsonrpc" member equals "2.0"
//   - "method" member is present
//
// An empty path is replaced by "/".
func ParseRequest(data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, &RPCError{Code: ErrCodeParseError, Message: "empty request"}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ErrCodeParseError, Message: "invalid JSON", Data: err.Error()}
	}
	if req.JSONRPC != Version {
		return nil, &RPCError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid JSON-RPC version",
			Data:    fmt.Sprintf("expected %q, got %q", Version, req.JSONRPC),
		}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: ErrCodeInvalidRequest, Message: "missing method name"}
	}
	if req.Path == "" {
		req.Path = "/"
	}
	return &req, nil
}

// IsNotification reports whether the caller expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

func NewSuccessResponse(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func NewErrorResponse(id interface{}, err *RPCError) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// envelope is any message read by a client: a response when ID is set, a
// signal when Method is.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Path    string          `json:"path,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
