package transport

import (
	"errors"
)

// TrustDomain partitions channels into the two trust levels the router
// recognizes.
type TrustDomain uint8

const (
	// DomainUI identifies a channel opened by the wallet's own trusted UI
	// context.
	DomainUI TrustDomain = iota

	// DomainPage identifies a channel opened by an untrusted page
	// context.  Page channels always carry the origin that opened them.
	DomainPage
)

// String returns the trust domain as a human-readable string.
func (d TrustDomain) String() string {
	switch d {
	case DomainUI:
		return "extension-ui"
	case DomainPage:
		return "page"
	}
	return "unknown"
}

// ErrChannelClosed is returned by Send when the remote end has disconnected.
// Callers writing responses treat this as a discarded write, not a failure.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a long-lived bidirectional connection between a caller context
// and the background process.  Implementations must deliver received
// envelopes in the order they arrived and close both Receive and Done when
// the remote end disconnects.  Holding a Channel never implies ownership of
// its lifecycle.
type Channel interface {
	// ID returns the channel's unique identity.
	ID() string

	// Domain returns the trust domain the channel was opened under.
	Domain() TrustDomain

	// Origin returns the origin that opened the channel.  It is empty
	// for DomainUI channels.
	Origin() string

	// Receive returns the stream of inbound envelopes.  The channel is
	// closed on disconnect.
	Receive() <-chan Envelope

	// Send writes an outbound response or push.  It returns
	// ErrChannelClosed if the remote end is gone.
	Send(resp *Response) error

	// Done is closed when the channel disconnects.
	Done() <-chan struct{}
}
