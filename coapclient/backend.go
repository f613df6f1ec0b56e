package coapclient

import (
	"context"
	"net"

	"github.com/francistor/coapclient/coapmsg"
)

// Backend is the transport used by the upper CoAP layers.
type Backend interface {
	// Sends the request to the peer and waits for the response, matched by token
	Request(ctx context.Context, req *coapmsg.Message, peer *net.UDPAddr, opts RequestOptions) (*coapmsg.Message, error)

	// Registers interest in the resource of the peer. The notifications, starting with the
	// response to the registration, are obtained from the returned Observer
	Observe(ctx context.Context, peer *net.UDPAddr, resource string, opts RequestOptions) (Observer, error)

	// Stops receiving notifications for the observation
	Unobserve(ctx context.Context, o Observer) error
}

// Observer is the sequence of notifications for an observed resource.
type Observer interface {
	Token() coapmsg.Token
	Resource() string

	// Waits for the next notification. ErrObservationClosed after Close
	Next(ctx context.Context) (*coapmsg.Message, error)

	// Stops the observation. Pending notifications are discarded
	Close() error
}

var _ Backend = (*Client)(nil)
var _ Observer = (*Observation)(nil)
