// Package transport defines the wire-level envelope protocol spoken between
// caller contexts and the background process, and the channel abstractions
// the envelopes travel over.
package transport

import (
	"encoding/json"
)

// Envelope is the wire-level unit of an inbound request.  The id is generated
// by the caller and must be unique per channel for the lifetime of the
// request; it correlates the eventual response or the stream of subscription
// pushes.  Kind strings are namespaced as <domain>.<action>, for example
// accounts.catalog.mutate or signing.approve.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the wire-level unit of an outbound message.  Exactly one of
// Response, Error or Subscription is set: Response answers a request, Error
// rejects it, and Subscription carries a push for a previously registered
// subscription id.
type Response struct {
	ID           string          `json:"id"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        *WireError      `json:"error,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
}

// NewResponse marshals result into a success response for the request with
// the passed id.
func NewResponse(id string, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Response: raw}, nil
}

// NewErrorResponse creates an error response for the request with the passed
// id.  The error is converted to its wire form via WireErrorFromError.
func NewErrorResponse(id string, err error) *Response {
	return &Response{ID: id, Error: WireErrorFromError(err)}
}

// NewPush marshals value into a subscription push for the subscription
// registered under id.
func NewPush(id string, value interface{}) (*Response, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Subscription: raw}, nil
}

// UnsubscribePayload is the payload of the central unsubscribe message kind.
type UnsubscribePayload struct {
	ID string `json:"id"`
}
