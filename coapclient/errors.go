package coapclient

import "errors"

var (
	// Could not bind the local socket. Returned synchronously when creating the client
	ErrBind = errors.New("bind failure")

	// Socket errors. Fatal for the dispatch engine
	ErrTransmit = errors.New("transmit failure")
	ErrReceive  = errors.New("receive failure")

	// The dispatch engine is terminated. Returned to any caller trying to use it or
	// waiting for a response. Joined with the fatal cause, if any
	ErrChannelClosed = errors.New("channel closed")

	// The registration was not accepted because the token was in use, and the policy is "reject"
	ErrTokenInUse = errors.New("token already registered")

	// The registration was displaced by a newer one for the same token
	ErrTokenReplaced = errors.New("token registered again")

	// The registration was removed
	ErrDeregistered = errors.New("token deregistered")

	ErrObservationClosed = errors.New("observation closed")

	// The received message could not be decoded
	ErrDecode = errors.New("decode failure")

	// No answer after all the retries
	ErrTimeout = errors.New("timeout")
)
