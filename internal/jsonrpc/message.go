// Package jsonrpc models JSON-RPC 2.0 wire messages.
//
// A single Message type carries requests, responses, and notifications in
// both directions. A notification is a request whose id key is omitted
// entirely; an inbound "id": null is treated the same as an absent id.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version carried by every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 message.
//
// Exactly one direction is populated: Method (with optional Params) for
// requests and notifications, Result or Error for responses.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// IsNotification reports whether the message carries no correlation id.
func (m *Message) IsNotification() bool {
	return m.ID == nil
}

// IsResponse reports whether the message is a response to an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// NewRequest builds a request message, marshalling params if non-nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification message, marshalling params if non-nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	}, nil
}

// Decode parses one complete JSON document into a Message.
//
// The jsonrpc version field must be "2.0"; anything else is rejected so a
// stray non-protocol document never reaches dispatch.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}

	return &msg, nil
}

// Encode serializes a message to its wire form, without framing.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return raw, nil
}
