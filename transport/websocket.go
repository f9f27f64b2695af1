package transport

import (
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the
	// peer.
	pongWait = 60 * time.Second

	// pingPeriod is the period between pings.  It must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound envelope size in bytes.
	maxMessageSize = 1 << 20
)

// NewUpgrader returns a websocket upgrader that accepts connections from the
// passed set of allowed origins.  An empty set, or the single entry "*",
// accepts every origin; requests without an Origin header (non-browser
// clients such as keyfoldctl) are always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 ||
		(len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// WSChannel adapts a websocket connection to the Channel interface.  A
// dedicated read pump preserves the per-channel FIFO ordering guarantee;
// writes are serialized by a mutex so response writers and subscription
// pushers never interleave frames.
type WSChannel struct {
	id     string
	domain TrustDomain
	origin string

	conn *websocket.Conn

	writeMtx sync.Mutex

	recv chan Envelope
	quit chan struct{}

	closeOnce sync.Once
}

// NewWSChannel wraps an upgraded websocket connection as a Channel in the
// passed trust domain and starts its read pump.  The origin must be empty
// for DomainUI channels.
func NewWSChannel(conn *websocket.Conn, domain TrustDomain, origin string) *WSChannel {
	c := &WSChannel{
		id:     ulid.MustNew(ulid.Now(), rand.Reader).String(),
		domain: domain,
		origin: origin,
		conn:   conn,
		recv:   make(chan Envelope, 16),
		quit:   make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

// ID returns the channel's unique identity.
func (c *WSChannel) ID() string { return c.id }

// Domain returns the trust domain the channel was opened under.
func (c *WSChannel) Domain() TrustDomain { return c.domain }

// Origin returns the page origin that opened the channel, or an empty string
// for UI channels.
func (c *WSChannel) Origin() string { return c.origin }

// Receive returns the stream of inbound envelopes.
func (c *WSChannel) Receive() <-chan Envelope { return c.recv }

// Done is closed when the connection drops.
func (c *WSChannel) Done() <-chan struct{} { return c.quit }

// Send writes an outbound response or push, returning ErrChannelClosed when
// the remote end is gone.
func (c *WSChannel) Send(resp *Response) error {
	select {
	case <-c.quit:
		return ErrChannelClosed
	default:
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(resp); err != nil {
		c.shutdown()
		return ErrChannelClosed
	}
	return nil
}

// Close tears the connection down.  It is safe to call multiple times.
func (c *WSChannel) Close() {
	c.shutdown()
	c.conn.Close()
}

func (c *WSChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
}

// readPump decodes inbound envelopes until the connection fails, preserving
// arrival order.  Malformed frames terminate the connection rather than the
// process.
func (c *WSChannel) readPump() {
	defer func() {
		c.shutdown()
		close(c.recv)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Channel %s (%s) read error: %v", c.id,
					c.domain, err)
			}
			return
		}
		select {
		case c.recv <- env:
		case <-c.quit:
			return
		}
	}
}

// pingPump keeps the connection alive so idle approval prompts are not torn
// down by intermediaries.
func (c *WSChannel) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMtx.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMtx.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.quit:
			return
		}
	}
}
