package coapclient

import (
	"net"
	"sync"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// An inbound datagram, as received from the socket
type Datagram struct {
	// Raw bytes, with the exact length received
	Payload []byte

	// The sender
	From *net.UDPAddr
}

// The receiving end of a registration. Only the dispatch engine sends to or closes
// the channel. The reason is written before closing, so that it can be read after
// receiving from the closed channel
type deliveryHandle struct {
	ch      chan Datagram
	oneShot bool
	reason  error

	// Closed by the engine when the registration has been processed. rejectErr is
	// written before
	registered chan struct{}
	rejectErr  error

	// Closed by the owner when it stops reading. The engine will not wait for room
	// in the channel any more
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func newDeliveryHandle(capacity int, oneShot bool) *deliveryHandle {
	return &deliveryHandle{
		ch:         make(chan Datagram, capacity),
		oneShot:    oneShot,
		registered: make(chan struct{}),
		abandoned:  make(chan struct{}),
	}
}

// Handle for a request. Gets at most one datagram, and then is closed
func newOneShotHandle() *deliveryHandle {
	return newDeliveryHandle(1, true)
}

// Handle for an observation
func newStreamHandle(capacity int) *deliveryHandle {
	return newDeliveryHandle(capacity, false)
}

func (h *deliveryHandle) close(reason error) {
	h.reason = reason
	close(h.ch)
}

// Signals the outcome of the registration. Called once, by the engine
func (h *deliveryHandle) settle(err error) {
	h.rejectErr = err
	close(h.registered)
}

// May be called any number of times, from any goroutine
func (h *deliveryHandle) abandon() {
	h.abandonOnce.Do(func() { close(h.abandoned) })
}

func (h *deliveryHandle) isAbandoned() bool {
	select {
	case <-h.abandoned:
		return true
	default:
		return false
	}
}

// Map of token to delivery handle. Owned by the dispatch engine goroutine, and thus
// not protected by any mutex
type dispatchTable struct {
	handles map[coapmsg.Token]*deliveryHandle

	// One of core.TokenPolicyOverwrite or core.TokenPolicyReject
	duplicatePolicy string
}

func newDispatchTable(duplicatePolicy string) dispatchTable {
	return dispatchTable{
		handles:         make(map[coapmsg.Token]*deliveryHandle),
		duplicatePolicy: duplicatePolicy,
	}
}

// Stores the handle for the token. If the token was already registered, and depending
// on the policy, either the previous handle or the new one is closed
func (t *dispatchTable) register(token coapmsg.Token, handle *deliveryHandle) {

	// Token zero never matches anything
	if token == 0 {
		handle.settle(ErrTokenInUse)
		handle.close(ErrTokenInUse)
		return
	}

	if previous, found := t.handles[token]; found {
		if previous == handle {
			return
		}
		if t.duplicatePolicy == core.TokenPolicyReject {
			handle.settle(ErrTokenInUse)
			handle.close(ErrTokenInUse)
			return
		}
		previous.close(ErrTokenReplaced)
	}

	t.handles[token] = handle
	handle.settle(nil)
}

// Removes the registration for the token, closing the handle. If a handle is
// specified, the entry is removed only if it is still the registered one. Removing
// an unknown token has no effect
func (t *dispatchTable) deregister(token coapmsg.Token, handle *deliveryHandle) {
	current, found := t.handles[token]
	if !found {
		return
	}
	if handle != nil && current != handle {
		return
	}
	delete(t.handles, token)
	current.close(ErrDeregistered)
}

func (t *dispatchTable) lookup(token coapmsg.Token) (*deliveryHandle, bool) {
	handle, found := t.handles[token]
	return handle, found
}

// Removes the entry without closing the handle
func (t *dispatchTable) remove(token coapmsg.Token) {
	delete(t.handles, token)
}

// Closes all the handles with the specified reason and empties the table
func (t *dispatchTable) closeAll(reason error) {
	for token, handle := range t.handles {
		handle.close(reason)
		delete(t.handles, token)
	}
}

func (t *dispatchTable) len() int {
	return len(t.handles)
}
