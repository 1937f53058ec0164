// Package jsonrpc implements the line-delimited JSON-RPC 2.0 framing used to
// talk to child tool servers over stdio.
//
// Each message is one JSON object per line. Requests carry an integer id;
// notifications carry none. Responses echo the request id and carry either a
// result or an error object.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version string placed in every message.
const Version = "2.0"

// Request is an outgoing JSON-RPC request or notification.
//
// Wire format:
//
//	{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{}}}
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is an incoming line after decoding, before classification.
// A response carries an ID and result or error; a request or notification
// carries a method.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message is a response to one of our
// requests, as opposed to a server-initiated request or notification.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification reports whether the message is a notification (a method
// call with no id, expecting no response).
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// NewRequest builds a request with the given id.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a notification (no id, no response expected).
func NewNotification(method string, params any) *Request {
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// Encode marshals a request to a single wire line without the trailing
// newline; the transport appends it.
func Encode(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return data, nil
}

// Decode parses one wire line into a Message.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}

	return &msg, nil
}

// UnmarshalResult decodes a response's result payload into v.
func UnmarshalResult(m *Message, v any) error {
	if len(m.Result) == 0 {
		return fmt.Errorf("response %v has no result", m.ID)
	}

	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}

	return nil
}

// CallParams is the params object for a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// InitializeParams is the params object for the MCP initialize handshake.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    struct{}   `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the proxy to child servers.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResult is the result payload of a tools/list response.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo is one tool as reported by a child server. The input schema is an
// opaque passthrough blob.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
