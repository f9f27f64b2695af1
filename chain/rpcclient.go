package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abesuite/go-socks/socks"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
)

const (
	// callTimeout is how long a single RPC call may take before it is
	// abandoned.
	callTimeout = 30 * time.Second

	// dialTimeout bounds the websocket handshake.
	dialTimeout = 10 * time.Second
)

// ErrClientShutdown is returned by calls issued after Stop.
var ErrClientShutdown = errors.New("chain client is shut down")

// rpcRequest is the JSON-RPC request frame.
type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// rpcResponse is the JSON-RPC response frame.  Frames without an id are
// notifications.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("chain rpc error %d: %s", e.Code, e.Message)
}

// RPCClient is a websocket JSON-RPC driver for the chain Interface.  All
// calls go through a circuit breaker so a flapping backend fails fast
// instead of stacking timed-out calls behind suspended requests.
type RPCClient struct {
	url   string
	proxy *socks.Proxy

	breaker *gobreaker.CircuitBreaker[json.RawMessage]

	conn     *websocket.Conn
	writeMtx sync.Mutex

	requestID uint64

	pendingMtx sync.Mutex
	pending    map[uint64]chan *rpcResponse

	notifications chan interface{}

	started int32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewRPCClient creates a client for the chain RPC endpoint at url.  When
// proxyAddr is non-empty the connection is dialed through that SOCKS5 proxy.
func NewRPCClient(url, proxyAddr, proxyUser, proxyPass string) *RPCClient {
	c := &RPCClient{
		url:           url,
		pending:       make(map[uint64]chan *rpcResponse),
		notifications: make(chan interface{}, 16),
		quit:          make(chan struct{}),
	}
	if proxyAddr != "" {
		c.proxy = &socks.Proxy{
			Addr:     proxyAddr,
			Username: proxyUser,
			Password: proxyPass,
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "chain-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("Chain RPC breaker %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// Start dials the backend and begins dispatching responses and
// notifications.
func (c *RPCClient) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if c.proxy != nil {
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return c.proxy.Dial(network, addr)
		}
	}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn

	c.wg.Add(1)
	go c.readLoop()

	select {
	case c.notifications <- ClientConnected{}:
	default:
	}
	log.Infof("Connected to chain backend at %s", c.url)
	return nil
}

// Stop tears the connection down and fails every in-flight call.
func (c *RPCClient) Stop() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	if c.conn != nil {
		c.conn.Close()
	}

	c.pendingMtx.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMtx.Unlock()
}

// WaitForShutdown blocks until the read loop has exited.
func (c *RPCClient) WaitForShutdown() {
	c.wg.Wait()
}

// Notifications returns the backend event stream.
func (c *RPCClient) Notifications() <-chan interface{} {
	return c.notifications
}

// BackEnd returns the name of the driver.
func (c *RPCClient) BackEnd() string {
	return "jsonrpc-ws"
}

// readLoop dispatches inbound frames to pending calls or the notification
// channel.
func (c *RPCClient) readLoop() {
	defer c.wg.Done()
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Chain RPC read failed: %v", err)
				c.Stop()
			}
			return
		}

		if resp.ID == 0 && resp.Method != "" {
			c.dispatchNotification(&resp)
			continue
		}

		c.pendingMtx.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMtx.Unlock()
		if ok {
			ch <- &resp
			close(ch)
		}
	}
}

// dispatchNotification converts known notification methods into their typed
// form.  Unknown methods are logged and dropped.
func (c *RPCClient) dispatchNotification(resp *rpcResponse) {
	switch resp.Method {
	case "balancechanged":
		var n BalanceChanged
		if err := json.Unmarshal(resp.Params, &n); err != nil {
			log.Warnf("Malformed balancechanged notification: %v", err)
			return
		}
		select {
		case c.notifications <- n:
		default:
			log.Warn("Dropping chain notification: consumer is behind")
		}
	default:
		log.Debugf("Ignoring unknown chain notification %q", resp.Method)
	}
}

// call issues one RPC through the breaker and waits for its response.
func (c *RPCClient) call(method string, params ...interface{}) (json.RawMessage, error) {
	return c.breaker.Execute(func() (json.RawMessage, error) {
		select {
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		id := atomic.AddUint64(&c.requestID, 1)
		ch := make(chan *rpcResponse, 1)
		c.pendingMtx.Lock()
		c.pending[id] = ch
		c.pendingMtx.Unlock()

		req := rpcRequest{ID: id, Method: method, Params: params}
		c.writeMtx.Lock()
		err := c.conn.WriteJSON(&req)
		c.writeMtx.Unlock()
		if err != nil {
			c.pendingMtx.Lock()
			delete(c.pending, id)
			c.pendingMtx.Unlock()
			return nil, err
		}

		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, ErrClientShutdown
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-time.After(callTimeout):
			c.pendingMtx.Lock()
			delete(c.pending, id)
			c.pendingMtx.Unlock()
			return nil, fmt.Errorf("chain rpc %q timed out", method)
		case <-c.quit:
			return nil, ErrClientShutdown
		}
	})
}

// FetchBalance requests the confirmed balance of an address.
func (c *RPCClient) FetchBalance(address string) (uint64, error) {
	result, err := c.call("getbalance", address)
	if err != nil {
		return 0, err
	}
	var balance uint64
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// Broadcast submits a signed raw transaction.
func (c *RPCClient) Broadcast(rawTx []byte) (string, error) {
	result, err := c.call("sendrawtransaction", rawTx)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// ProbeNetwork queries an RPC endpoint for its network identity.
func (c *RPCClient) ProbeNetwork(rpcURL string) (*NetworkInfo, error) {
	result, err := c.call("getnetworkinfo", rpcURL)
	if err != nil {
		return nil, err
	}
	var info NetworkInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, err
	}
	if info.RPCURL == "" {
		info.RPCURL = rpcURL
	}
	return &info, nil
}
