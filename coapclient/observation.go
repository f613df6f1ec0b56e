package coapclient

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// Observation is the sequence of notifications for a resource.
//
// It must be closed when no longer needed, using Close or Client.Unobserve. If
// it becomes unreachable without being closed, the registration is removed
// when the garbage collector finalizes it.
type Observation struct {
	handle   *Handle
	peer     *net.UDPAddr
	resource string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newObservation(handle *Handle, peer *net.UDPAddr, resource string) *Observation {
	o := Observation{
		handle:   handle,
		peer:     peer,
		resource: resource,
	}

	runtime.SetFinalizer(&o, func(obs *Observation) {
		if !obs.closed.Load() && !obs.handle.tryDeregister() {
			core.GetLogger().Warnf("could not remove abandoned observation of %s with token %s", obs.resource, obs.handle.token)
		}
	})

	return &o
}

func (o *Observation) Token() coapmsg.Token {
	return o.handle.token
}

func (o *Observation) Resource() string {
	return o.resource
}

// Waits for the next notification.
// Returns ErrObservationClosed once closed, and ErrChannelClosed if the dispatch engine
// terminated. If a notification cannot be decoded, the observation is closed and
// ErrDecode is returned
func (o *Observation) Next(ctx context.Context) (*coapmsg.Message, error) {

	if o.closed.Load() {
		return nil, ErrObservationClosed
	}

	dg, err := o.handle.Receive(ctx)
	if o.closed.Load() {
		return nil, ErrObservationClosed
	}
	if err != nil {
		return nil, err
	}

	msg, err := coapmsg.NewMessageFromBytes(dg.Payload)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("%w: notification from %s: %w", ErrDecode, dg.From, err)
	}

	core.RecordCoapClientNotification(o.peer.String(), o.resource)

	return msg, nil
}

// Removes the registration. Returns ErrChannelClosed if the dispatch engine is
// terminated. Closing more than once has no effect
func (o *Observation) Close() error {
	return o.close(context.Background())
}

func (o *Observation) close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		runtime.SetFinalizer(o, nil)
		o.closeErr = o.handle.Deregister(ctx)
	})
	return o.closeErr
}
