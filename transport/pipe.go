package transport

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Pipe is an in-process Channel implementation.  It backs tests and any
// caller context living inside the daemon process itself, where a websocket
// round trip would be pointless.
type Pipe struct {
	id     string
	domain TrustDomain
	origin string

	recv chan Envelope

	mtx    sync.Mutex
	sent   []*Response
	notify chan struct{}

	quit      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates an in-process channel in the passed trust domain.
func NewPipe(domain TrustDomain, origin string) *Pipe {
	return &Pipe{
		id:     ulid.MustNew(ulid.Now(), rand.Reader).String(),
		domain: domain,
		origin: origin,
		recv:   make(chan Envelope, 16),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// ID returns the channel's unique identity.
func (p *Pipe) ID() string { return p.id }

// Domain returns the trust domain the pipe was created under.
func (p *Pipe) Domain() TrustDomain { return p.domain }

// Origin returns the origin the pipe was created under.
func (p *Pipe) Origin() string { return p.origin }

// Receive returns the stream of envelopes submitted via Submit.
func (p *Pipe) Receive() <-chan Envelope { return p.recv }

// Done is closed when the pipe is closed.
func (p *Pipe) Done() <-chan struct{} { return p.quit }

// Send records an outbound response, observable via Sent and Notify.
func (p *Pipe) Send(resp *Response) error {
	select {
	case <-p.quit:
		return ErrChannelClosed
	default:
	}
	p.mtx.Lock()
	p.sent = append(p.sent, resp)
	p.mtx.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Submit delivers an envelope to the receiving side of the pipe.
func (p *Pipe) Submit(env Envelope) {
	select {
	case p.recv <- env:
	case <-p.quit:
	}
}

// Sent returns a snapshot of every response written to the pipe so far.
func (p *Pipe) Sent() []*Response {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]*Response, len(p.sent))
	copy(out, p.sent)
	return out
}

// Notify signals after each Send.  The signal is coalesced, so a reader must
// drain Sent after every wakeup.
func (p *Pipe) Notify() <-chan struct{} { return p.notify }

// Close disconnects the pipe.  It is safe to call multiple times.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		close(p.recv)
	})
}
