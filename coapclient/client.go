package coapclient

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// Client is the handle used to interact with a dispatch engine. It may be shared
// by any number of goroutines. All of them talk to the same engine, and each
// goroutine sees its own commands processed in the order they were issued.
type Client struct {
	engine *udpEngine
	config core.CoapClientConfig

	nextToken     atomic.Uint64
	nextMessageID atomic.Uint32
}

// Creates a client bound to the specified local address, in <ipaddress>:<port> format.
// The rest of the parameters are taken from the configuration. Fails with ErrBind if
// the socket cannot be created
func NewUDP(bindAddress string, config core.CoapClientConfig) (*Client, error) {

	if err := config.Normalize(); err != nil {
		return nil, err
	}

	conn, err := bindUDP(bindAddress, config.HopLimit)
	if err != nil {
		return nil, err
	}

	return newClient(conn, config), nil
}

// Creates a client using the configuration of the specified instance
func NewUDPFromConfig(ci *core.ClientConfigurationManager) (*Client, error) {
	config := ci.CoapClientConf()
	return NewUDP(config.BindAddress, config)
}

// Builds the client on an already created socket
func newClient(conn net.PacketConn, config core.CoapClientConfig) *Client {
	c := Client{
		engine: newUDPEngine(conn, config),
		config: config,
	}

	// Random starting points, to reduce the chances of reusing a recent token or
	// message id after a restart
	c.nextToken.Store(uint64(rand.Uint32()))
	c.nextMessageID.Store(rand.Uint32())

	return &c
}

// The local address of the socket
func (c *Client) LocalAddr() net.Addr {
	return c.engine.conn.LocalAddr()
}

// The current state of the dispatch engine
func (c *Client) State() EngineState {
	return c.engine.State()
}

// Closed when the dispatch engine is terminated
func (c *Client) Done() <-chan struct{} {
	return c.engine.doneChan
}

// The reason for termination of the dispatch engine. nil if still running or if
// terminated by Close
func (c *Client) Err() error {
	select {
	case <-c.engine.doneChan:
		return c.engine.fatalErr
	default:
		return nil
	}
}

// Terminates the dispatch engine and waits for it to finish. All registered handles
// are closed with ErrChannelClosed. Closing a terminated client has no effect
func (c *Client) Close() error {
	if err := c.engine.submit(exitCmd{}, nil); err == nil {
		<-c.engine.doneChan
	}
	return nil
}

// Returns a new token. 32 bits, so that they take 4 bytes in the wire. Never zero
func (c *Client) NextToken() coapmsg.Token {
	for {
		if token := coapmsg.Token(c.nextToken.Add(1) & 0xFFFFFFFF); token != 0 {
			return token
		}
	}
}

// Returns a new message id
func (c *Client) NextMessageID() uint16 {
	return uint16(c.nextMessageID.Add(1))
}

// Sends the datagram to the peer. The transmission is done asynchronously by the
// engine. Fails with ErrChannelClosed if the engine is terminated
func (c *Client) Send(ctx context.Context, data []byte, peer *net.UDPAddr) error {
	return c.submit(ctx, sendCmd{data: data, addr: peer})
}

// Registers the token, and returns the handle from which the datagrams carrying it
// may be received. A oneShot handle gets a single datagram and is then removed.
// The registration is processed asynchronously. If rejected, the handle will be
// found closed with ErrTokenInUse
func (c *Client) Register(ctx context.Context, token coapmsg.Token, oneShot bool) (*Handle, error) {
	var dh *deliveryHandle
	if oneShot {
		dh = newOneShotHandle()
	} else {
		dh = newStreamHandle(c.config.DeliveryQueueSize)
	}

	if err := c.submit(ctx, registerCmd{token: token, handle: dh}); err != nil {
		return nil, err
	}

	return &Handle{token: token, dh: dh, engine: c.engine}, nil
}

// Removes the registration for the token, whichever the handle. Removing a token
// not registered has no effect
func (c *Client) Deregister(ctx context.Context, token coapmsg.Token) error {
	return c.submit(ctx, deregisterCmd{token: token})
}

func (c *Client) submit(ctx context.Context, cmd command) error {
	if err := c.engine.submit(cmd, ctx.Done()); err != nil {
		if err == errCanceled {
			return ctx.Err()
		}
		return err
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////

// Handle is the receiving end of a registration.
type Handle struct {
	token  coapmsg.Token
	dh     *deliveryHandle
	engine *udpEngine
}

func (h *Handle) Token() coapmsg.Token {
	return h.token
}

// Waits for the next datagram. When the handle is closed, returns the reason:
// ErrDeregistered, ErrTokenReplaced, ErrTokenInUse or ErrChannelClosed, the
// last one possibly joined with the cause of termination of the engine. Datagrams
// already delivered are returned before reporting the closure
func (h *Handle) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg, ok := <-h.dh.ch:
		if !ok {
			return Datagram{}, h.dh.reason
		}
		return dg, nil

	case <-h.engine.doneChan:
		// The engine may have terminated before processing the registration. In that case
		// the channel will never be closed
		select {
		case dg, ok := <-h.dh.ch:
			if !ok {
				return Datagram{}, h.dh.reason
			}
			return dg, nil
		default:
			return Datagram{}, h.engine.closedReason
		}

	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Waits until the engine has processed the registration. Returns ErrTokenInUse if it
// was rejected, or the closure reason if the engine terminated before
func (h *Handle) waitRegistered(ctx context.Context) error {
	select {
	case <-h.dh.registered:
		return h.dh.rejectErr
	case <-h.engine.doneChan:
		return h.engine.closedReason
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Removes the registration, if still owned by this handle. From this moment, the
// engine does not wait for room in the handle, even with the block policy
func (h *Handle) Deregister(ctx context.Context) error {
	h.dh.abandon()
	if err := h.engine.submit(deregisterCmd{token: h.token, handle: h.dh}, ctx.Done()); err != nil {
		if err == errCanceled {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Does not wait if the control channel is full
func (h *Handle) tryDeregister() bool {
	h.dh.abandon()
	return h.engine.trySubmit(deregisterCmd{token: h.token, handle: h.dh})
}
