// internal/wire/wire.go
// Package wire defines the JSON frame schema exchanged on the control
// channel. Each frame is a JSON object carrying exactly one of the keys
// accept, request, response, renewToken.
package wire

import (
	"encoding/json"
	"fmt"
)

// RemoteEndpoint describes the external peer that triggered an accept.
type RemoteEndpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// AcceptCommand is the inbound frame announcing a rendezvous attempt.
type AcceptCommand struct {
	ID              string            `json:"id"`
	Address         string            `json:"address"`
	ConnectHeaders  map[string]string `json:"connectHeaders"`
	RemoteEndpoint  RemoteEndpoint    `json:"remoteEndpoint"`
}

// RequestCommand is the inbound frame announcing a relayed HTTP request.
type RequestCommand struct {
	ID            string            `json:"id"`
	Method        string            `json:"method"`
	RequestTarget string            `json:"requestTarget"`
	Headers       map[string]string `json:"headers"`
	Body          bool              `json:"body"`
}

// ResponseCommand is the outbound frame answering a RequestCommand.
type ResponseCommand struct {
	RequestID         string            `json:"requestId"`
	StatusCode        int               `json:"statusCode"`
	StatusDescription string            `json:"statusDescription"`
	Headers           map[string]string `json:"headers"`
	Body              bool              `json:"body"`
}

// RenewTokenCommand is the outbound frame carrying a freshly renewed bearer
// token.
type RenewTokenCommand struct {
	Token string `json:"token"`
}

// Frame is the tagged union wrapping exactly one command kind. Only one of
// the fields is non-nil on any given instance.
type Frame struct {
	Accept     *AcceptCommand     `json:"accept,omitempty"`
	Request    *RequestCommand    `json:"request,omitempty"`
	Response   *ResponseCommand   `json:"response,omitempty"`
	RenewToken *RenewTokenCommand `json:"renewToken,omitempty"`
}

// ErrInvalidFrame is returned by Parse when a frame carries zero or more
// than one recognised key.
var ErrInvalidFrame = fmt.Errorf("wire: frame must contain exactly one of accept, request, response, renewToken")

// Parse decodes a text frame into a Frame and validates the tagged-union
// invariant (exactly one populated variant).
func Parse(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if f.variantCount() != 1 {
		return Frame{}, ErrInvalidFrame
	}
	return f, nil
}

func (f Frame) variantCount() int {
	n := 0
	if f.Accept != nil {
		n++
	}
	if f.Request != nil {
		n++
	}
	if f.Response != nil {
		n++
	}
	if f.RenewToken != nil {
		n++
	}
	return n
}

// EncodeResponse marshals a ResponseCommand as a single-key Frame.
func EncodeResponse(r *ResponseCommand) ([]byte, error) {
	return json.Marshal(Frame{Response: r})
}

// EncodeRenewToken marshals a RenewTokenCommand as a single-key Frame.
func EncodeRenewToken(r *RenewTokenCommand) ([]byte, error) {
	return json.Marshal(Frame{RenewToken: r})
}

// EncodeAccept marshals an AcceptCommand as a single-key Frame; used by the
// in-process fake relay server in tests.
func EncodeAccept(a *AcceptCommand) ([]byte, error) {
	return json.Marshal(Frame{Accept: a})
}

// EncodeRequest marshals a RequestCommand as a single-key Frame; used by the
// in-process fake relay server in tests.
func EncodeRequest(r *RequestCommand) ([]byte, error) {
	return json.Marshal(Frame{Request: r})
}
