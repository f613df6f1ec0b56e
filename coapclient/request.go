package coapclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/francistor/coapclient/coapmsg"
	"github.com/francistor/coapclient/core"
)

// Parameters for a request or observation
type RequestOptions struct {
	// If zero, a new one is allocated
	Token coapmsg.Token

	// Time to wait for the answer to each transmission. If zero, the configured default is used
	Timeout time.Duration

	// Number of retransmissions after the first one, if no answer is received. If zero,
	// the configured default is used. Use NoRetries to transmit only once
	Retries int
}

// Value of RequestOptions.Retries for a single transmission
const NoRetries = -1

// The options as specified in the configuration of the client
func (c *Client) DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout: time.Duration(c.config.RequestTimeoutMillis) * time.Millisecond,
		Retries: c.config.RequestRetries,
	}
}

// Sends the request to the peer and waits for the response with the same token.
// The token and the message id are filled if not set in the request or options.
// The same datagram is retransmitted if no answer is received in the timeout,
// up to the specified number of retries. Fails with ErrTimeout if there is no answer,
// ErrDecode if the answer cannot be parsed, or ErrChannelClosed if the engine terminates
func (c *Client) Request(ctx context.Context, req *coapmsg.Message, peer *net.UDPAddr, opts RequestOptions) (*coapmsg.Message, error) {

	if opts.Timeout == 0 {
		opts.Timeout = time.Duration(c.config.RequestTimeoutMillis) * time.Millisecond
	}
	if opts.Retries == 0 {
		opts.Retries = c.config.RequestRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	// Do not modify the caller's message
	msg := *req
	msg.Token = opts.Token
	if msg.Token == 0 {
		msg.Token = req.Token
	}
	if msg.Token == 0 {
		msg.Token = c.NextToken()
	}
	if msg.MessageID == 0 {
		msg.MessageID = c.NextMessageID()
	}

	data, err := msg.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("could not serialize request: %w", err)
	}

	handle, err := c.Register(ctx, msg.Token, true)
	if err != nil {
		return nil, err
	}
	// Does nothing if the response was received, since the handle is then removed
	defer handle.Deregister(context.Background())

	// Nothing is sent if the token is in use
	if err := handle.waitRegistered(ctx); err != nil {
		return nil, err
	}

	endpoint := peer.String()
	code := msg.Code.String()

	for attempt := 0; attempt <= opts.Retries; attempt++ {

		if err := c.Send(ctx, data, peer); err != nil {
			return nil, err
		}
		core.RecordCoapClientRequest(endpoint, code)

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		dg, err := handle.Receive(attemptCtx)
		cancel()

		if err == nil {
			response, err := coapmsg.NewMessageFromBytes(dg.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: response from %s: %w", ErrDecode, dg.From, err)
			}
			core.RecordCoapClientResponse(endpoint, response.Code.String())
			return response, nil
		}

		// Timeout of this attempt, but not of the parent context
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			core.RecordCoapClientTimeout(endpoint, code)
			core.GetLogger().Debugf("timeout waiting for token %s from %s. Attempt %d", msg.Token, endpoint, attempt+1)
			continue
		}

		return nil, err
	}

	return nil, fmt.Errorf("%w: token %s to %s", ErrTimeout, msg.Token, endpoint)
}

// Registers an observation for the resource in the peer. The returned observation
// gets the response to the registration and all subsequent notifications.
// The registration is sent once. The peer is expected to answer with a notification
func (c *Client) Observe(ctx context.Context, peer *net.UDPAddr, resource string, opts RequestOptions) (Observer, error) {

	token := opts.Token
	if token == 0 {
		token = c.NextToken()
	}

	req := coapmsg.NewRequest(coapmsg.Confirmable, coapmsg.GET, resource)
	req.SetObserve(0)
	req.Token = token
	req.MessageID = c.NextMessageID()

	data, err := req.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("could not serialize observe request: %w", err)
	}

	handle, err := c.Register(ctx, token, false)
	if err != nil {
		return nil, err
	}
	if err := handle.waitRegistered(ctx); err != nil {
		handle.tryDeregister()
		return nil, err
	}

	if err := c.Send(ctx, data, peer); err != nil {
		handle.tryDeregister()
		return nil, err
	}
	core.RecordCoapClientRequest(peer.String(), req.Code.String())

	return newObservation(handle, peer, resource), nil
}

// Stops the observation. Notifications received afterwards are rejected
func (c *Client) Unobserve(ctx context.Context, o Observer) error {
	if obs, ok := o.(*Observation); ok {
		return obs.close(ctx)
	}
	return o.Close()
}
